package controller

import (
	"net/url"

	"dripline/models"
	"dripline/signals"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// transparentGIF is a 1x1 pixel.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type SignalController struct {
	Listener *signals.Listener
	Tracker  *utils.Tracker
	Logger   *logrus.Entry
}

func NewSignalController(listener *signals.Listener, tracker *utils.Tracker) *SignalController {
	return &SignalController{
		Listener: listener,
		Tracker:  tracker,
		Logger:   utils.NewLogger("signals_api"),
	}
}

// signalInput is the webhook payload shared by every signal endpoint. Either
// provider_ref or lead_id identifies the subject.
type signalInput struct {
	ProviderRef string           `json:"provider_ref"`
	LeadID      uint             `json:"lead_id"`
	Channel     models.Channel   `json:"channel" validate:"omitempty,channel"`
	Kind        models.EventKind `json:"kind"`
	Detail      string           `json:"detail" validate:"max=2000"`
}

func (in signalInput) target() signals.Target {
	return signals.Target{ProviderRef: in.ProviderRef, LeadID: in.LeadID}
}

func (sc *SignalController) HandleReply(c *fiber.Ctx) error {
	var input signalInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	halted, err := sc.Listener.OnReply(c.UserContext(), input.target(), input.Channel, input.Detail)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"halted": len(halted)}))
}

func (sc *SignalController) HandleBounce(c *fiber.Ctx) error {
	var input signalInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	if err := sc.Listener.OnBounce(c.UserContext(), input.target(), input.Channel, input.Detail); err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(nil))
}

func (sc *SignalController) HandleDelivered(c *fiber.Ctx) error {
	var input signalInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	if input.ProviderRef == "" {
		return respondError(c, &models.ValidationError{Kind: models.ErrValidation, Field: "provider_ref", Message: "is required"})
	}
	if err := sc.Listener.OnDelivered(c.UserContext(), input.ProviderRef); err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(nil))
}

func (sc *SignalController) HandleUnsubscribe(c *fiber.Ctx) error {
	var input signalInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	canceled, err := sc.Listener.OnUnsubscribe(c.UserContext(), input.target(), input.Channel)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"canceled": len(canceled)}))
}

func (sc *SignalController) HandleEngagement(c *fiber.Ctx) error {
	var input signalInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	if err := sc.Listener.OnEngagement(c.UserContext(), input.target(), input.Kind, input.Channel, input.Detail); err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(nil))
}

// HandleOpenTracking always serves the pixel; a bad token just isn't recorded.
func (sc *SignalController) HandleOpenTracking(c *fiber.Ctx) error {
	if claims, err := sc.Tracker.Parse(c.Params("token")); err != nil {
		sc.Logger.WithError(err).Debug("Ignoring open with invalid token")
	} else {
		target := signals.Target{ProviderRef: claims.ProviderRef, LeadID: claims.LeadID}
		if err := sc.Listener.OnEngagement(c.UserContext(), target, models.EventOpened, models.ChannelEmail, ""); err != nil {
			utils.LogError("track_open", err, map[string]interface{}{"ref": claims.ProviderRef})
		}
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	return c.Send(transparentGIF)
}

// HandleClickTracking records the click and redirects to the original link.
// Only links the token was signed for are followed.
func (sc *SignalController) HandleClickTracking(c *fiber.Ctx) error {
	link := c.Query("url")
	claims, err := sc.Tracker.ParseClick(c.Params("token"), link)
	if err != nil {
		sc.Logger.WithError(err).Debug("Rejecting click with invalid token")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid tracking link", nil)
	}

	target, err := url.Parse(link)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect url", nil)
	}

	t := signals.Target{ProviderRef: claims.ProviderRef, LeadID: claims.LeadID}
	if err := sc.Listener.OnEngagement(c.UserContext(), t, models.EventClicked, models.ChannelEmail, target.String()); err != nil {
		utils.LogError("track_click", err, map[string]interface{}{"ref": claims.ProviderRef})
	}
	return c.Redirect(target.String(), fiber.StatusFound)
}
