package signals

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"dripline/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// IMAPInbox polls a mailbox for unseen replies and bounces.
type IMAPInbox struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string
	Mailbox    string
	Logger     *logrus.Entry
}

func (b *IMAPInbox) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", b.Host, b.Port)
	tlsConfig := &tls.Config{ServerName: b.Host}

	switch strings.ToUpper(b.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

// Poll fetches unseen messages and passes each to handle. Only messages that
// were handled without error are flagged \Seen, so failures are retried on
// the next poll.
func (b *IMAPInbox) Poll(ctx context.Context, handle func(context.Context, *InboundMessage) error) (int, error) {
	c, err := b.dial()
	if err != nil {
		return 0, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(b.Username, b.Password); err != nil {
		return 0, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := b.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		return 0, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	log := b.Logger
	if log == nil {
		log = utils.NewLogger("imap")
	}

	handled := new(imap.SeqSet)
	count := 0
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		in, err := ParseInbound(body)
		if err != nil {
			log.WithError(err).WithField("seq", msg.SeqNum).Warn("Failed to parse message")
			continue
		}
		if err := handle(ctx, in); err != nil {
			log.WithError(err).WithField("seq", msg.SeqNum).Error("Failed to process message")
			continue
		}
		handled.AddNum(msg.SeqNum)
		count++
	}

	if err := <-done; err != nil {
		return 0, fmt.Errorf("error during fetch: %w", err)
	}
	if handled.Empty() {
		return 0, ctx.Err()
	}

	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(handled, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return 0, fmt.Errorf("failed to flag messages seen: %w", err)
	}
	return count, nil
}
