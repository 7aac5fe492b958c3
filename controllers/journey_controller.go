package controller

import (
	"strings"
	"time"

	"dripline/journey"
	"dripline/models"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const defaultStatsWindow = 30 * 24 * time.Hour

type JourneyController struct {
	Log    *journey.Log
	Now    func() time.Time
	Logger *logrus.Entry
}

func NewJourneyController(log *journey.Log) *JourneyController {
	return &JourneyController{
		Log:    log,
		Now:    time.Now,
		Logger: utils.NewLogger("journey_api"),
	}
}

// query is satisfied by both *fiber.Ctx and *websocket.Conn.
type query interface {
	Query(key string, defaultValue ...string) string
}

func filterFrom(q query) journey.Filter {
	f := journey.Filter{
		Channel:      models.Channel(q.Query("channel")),
		LeadID:       utils.ParseUint(q.Query("lead_id")),
		EnrollmentID: utils.ParseUint(q.Query("enrollment_id")),
		SequenceID:   utils.ParseUint(q.Query("sequence_id")),
	}
	for _, k := range strings.Split(q.Query("kind"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			f.Kinds = append(f.Kinds, models.EventKind(k))
		}
	}
	return f
}

// GetJourney returns events newest first. Pass next_cursor back as ?cursor=
// for the following page.
func (jc *JourneyController) GetJourney(c *fiber.Ctx) error {
	f := filterFrom(c)
	if f.Channel != "" && !f.Channel.Valid() {
		return respondError(c, &models.ValidationError{Kind: models.ErrValidation, Field: "channel", Message: "is not supported"})
	}

	page, err := jc.Log.List(c.UserContext(), f, c.Query("cursor"), c.QueryInt("limit", journey.DefaultPageSize))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(page))
}

// GetStats folds the journey over ?window= (default 30d).
func (jc *JourneyController) GetStats(c *fiber.Ctx) error {
	window := defaultStatsWindow
	if w := c.Query("window"); w != "" {
		d, err := utils.ParseDuration(w)
		if err != nil || d <= 0 {
			return respondError(c, &models.ValidationError{Kind: models.ErrValidation, Field: "window", Message: "must be a positive duration such as 24h or 30d"})
		}
		window = d
	}

	stats, err := jc.Log.Stats(c.UserContext(), filterFrom(c), window, jc.Now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

// LiveJourney streams new events to a websocket client until it disconnects.
func (jc *JourneyController) LiveJourney(c *websocket.Conn) {
	defer c.Close()

	events, cancel := jc.Log.Subscribe(filterFrom(c))
	defer cancel()

	// The client never sends anything meaningful; reading only detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				jc.Logger.WithError(err).Debug("Live journey client went away")
				return
			}
		}
	}
}
