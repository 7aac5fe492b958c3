package channels

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"dripline/models"
	"dripline/utils"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// MailSender is the part of gomail.Dialer the email adapter uses.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailAdapter sends email steps over SMTP.
type EmailAdapter struct {
	Sender    MailSender
	FromEmail string
	FromName  string
	Domain    string // right-hand side of generated Message-IDs
	Tracker   *utils.Tracker
	Retry     RetryPolicy
	Logger    *logrus.Entry
}

func NewEmailAdapter(host string, port int, username, password, fromEmail, fromName string, tracker *utils.Tracker) *EmailAdapter {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 {
		domain = fromEmail[at+1:]
	}
	return &EmailAdapter{
		Sender:    gomail.NewDialer(host, port, username, password),
		FromEmail: fromEmail,
		FromName:  fromName,
		Domain:    domain,
		Tracker:   tracker,
		Retry:     DefaultRetryPolicy(),
		Logger:    utils.NewLogger("email"),
	}
}

func (a *EmailAdapter) Channel() models.Channel { return models.ChannelEmail }

func (a *EmailAdapter) Send(ctx context.Context, lead LeadContext, content Content) Result {
	if err := checkmail.ValidateFormat(lead.Email); err != nil {
		return Failed("", Permanent(fmt.Errorf("invalid recipient %q: %v", lead.Email, err)))
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), a.Domain)
	body := content.Body
	if a.Tracker != nil {
		tracked, err := a.Tracker.InjectTracking(body, messageID, lead.LeadID, lead.EnrollmentID)
		if err != nil {
			return Failed("", Permanent(fmt.Errorf("sign tracking token: %w", err)))
		}
		body = tracked
	}

	m := gomail.NewMessage()
	if a.FromName != "" {
		m.SetAddressHeader("From", a.FromEmail, a.FromName)
	} else {
		m.SetHeader("From", a.FromEmail)
	}
	if lead.Name != "" {
		m.SetAddressHeader("To", lead.Email, lead.Name)
	} else {
		m.SetHeader("To", lead.Email)
	}
	m.SetHeader("Subject", content.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetBody("text/html", body)

	ref, err := a.Retry.Do(ctx, func(ctx context.Context) (string, error) {
		if err := a.Sender.DialAndSend(m); err != nil {
			return "", classifySMTPError(err)
		}
		return messageID, nil
	})
	if err != nil {
		a.Logger.WithFields(logrus.Fields{
			"lead_id":       lead.LeadID,
			"enrollment_id": lead.EnrollmentID,
			"error":         err.Error(),
		}).Warn("Email dispatch failed")
		return Failed(messageID, err)
	}
	return Sent(ref)
}

// classifySMTPError maps SMTP reply codes onto the failure taxonomy: 5xx is
// permanent, everything else (4xx, network) is transient.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(err)
	}
	return Transient(err)
}
