package channels

import (
	"context"

	"dripline/models"
	"dripline/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DryRunAdapter logs messages instead of sending them. It stands in for a
// channel whose transport is not configured.
type DryRunAdapter struct {
	channel models.Channel
	Logger  *logrus.Entry
}

func NewDryRunAdapter(channel models.Channel) *DryRunAdapter {
	return &DryRunAdapter{channel: channel, Logger: utils.NewLogger("dry-run")}
}

func (a *DryRunAdapter) Channel() models.Channel { return a.channel }

func (a *DryRunAdapter) Send(ctx context.Context, lead LeadContext, content Content) Result {
	ref := "dryrun-" + uuid.New().String()
	a.Logger.WithFields(logrus.Fields{
		"channel":       a.channel,
		"lead_id":       lead.LeadID,
		"enrollment_id": lead.EnrollmentID,
		"position":      lead.Position,
		"subject":       content.Subject,
		"provider_ref":  ref,
	}).Info("Dry-run dispatch")
	return Sent(ref)
}
