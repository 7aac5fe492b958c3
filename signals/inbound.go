package signals

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"dripline/models"

	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"
)

// InboundMessage is the part of a received email the listener cares about.
type InboundMessage struct {
	From      string
	Subject   string
	MessageID string
	InReplyTo string
	Text      string

	// Set for delivery status notifications.
	Bounce      bool
	OriginalRef string
	Recipient   string
}

// ParseInbound reads a raw RFC 5322 message. Delivery status notifications
// are recognised by their report content type or a daemon sender; for those
// the Message-ID of the returned message and the failed recipient are
// extracted from the report parts.
func ParseInbound(r io.Reader) (*InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	m := &InboundMessage{}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		m.From = strings.ToLower(from[0].Address)
	}
	m.Subject, _ = mr.Header.Subject()
	m.MessageID, _ = mr.Header.MessageID()
	m.InReplyTo = strings.Trim(strings.TrimSpace(mr.Header.Get("In-Reply-To")), "<>")

	ct, params, _ := mr.Header.ContentType()
	m.Bounce = (ct == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status")) || isDaemon(m.From)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m, fmt.Errorf("failed to read part: %w", err)
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			return m, fmt.Errorf("failed to read part body: %w", err)
		}

		// Report and returned-message parts arrive as attachments.
		var partType string
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			partType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			partType, _, _ = h.ContentType()
		}

		if m.Text == "" && (partType == "text/plain" || partType == "") {
			m.Text = strings.TrimSpace(string(body))
		}
		if m.Bounce && isReportPart(partType) {
			scanReport(m, body)
		}
	}
	return m, nil
}

func isReportPart(contentType string) bool {
	switch contentType {
	case "message/delivery-status", "message/global-delivery-status",
		"message/rfc822", "message/global", "text/rfc822-headers", "text/plain", "":
		return true
	}
	return false
}

func isDaemon(address string) bool {
	local, _, _ := strings.Cut(address, "@")
	switch local {
	case "mailer-daemon", "postmaster":
		return true
	}
	return false
}

// scanReport picks the returned Message-ID and Final-Recipient out of a
// report part.
func scanReport(m *InboundMessage, body []byte) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "message-id":
			if m.OriginalRef == "" {
				m.OriginalRef = strings.Trim(value, "<>")
			}
		case "final-recipient", "original-recipient":
			if m.Recipient == "" {
				if _, addr, ok := strings.Cut(value, ";"); ok {
					value = addr
				}
				m.Recipient = strings.ToLower(strings.TrimSpace(value))
			}
		}
	}
}

// HandleInbound applies a received email: bounces halt the send they
// refer to, everything else is treated as a reply.
func (l *Listener) HandleInbound(ctx context.Context, m *InboundMessage) error {
	if !m.Bounce {
		_, err := l.OnReplyFrom(ctx, m.From, m.InReplyTo, m.Subject)
		return err
	}

	if m.OriginalRef != "" {
		err := l.OnBounce(ctx, Target{ProviderRef: m.OriginalRef}, models.ChannelEmail, m.Subject)
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	if m.Recipient == "" {
		l.Logger.WithField("message_id", m.MessageID).Warn("Bounce without a known message or recipient, ignoring")
		return nil
	}

	var lead models.Lead
	err := l.DB.WithContext(ctx).Where("LOWER(email) = ?", m.Recipient).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.OnBounce(ctx, Target{LeadID: lead.ID}, models.ChannelEmail, m.Subject)
}
