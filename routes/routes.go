package routes

import (
	"time"

	controller "dripline/controllers"
	"dripline/enrollments"
	"dripline/journey"
	"dripline/middleware"
	"dripline/sequences"
	"dripline/signals"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	DB               *gorm.DB
	Sequences        *sequences.Store
	Enrollments      *enrollments.Tracker
	Journey          *journey.Log
	Signals          *signals.Listener
	Tracker          *utils.Tracker
	WebhookRateLimit int
	LimiterStorage   fiber.Storage
	Version          string
}

func SetupRoutes(app *fiber.App, d Deps) {
	sequenceController := controller.NewSequenceController(d.Sequences)
	enrollmentController := controller.NewEnrollmentController(d.Enrollments)
	leadController := controller.NewLeadController(d.DB)
	journeyController := controller.NewJourneyController(d.Journey)
	signalController := controller.NewSignalController(d.Signals, d.Tracker)

	started := time.Now()
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": d.Version,
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	})

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	seq := api.Group("/sequences")
	seq.Post("/", sequenceController.CreateSequence)
	seq.Get("/", sequenceController.GetSequences)
	seq.Get("/:id", sequenceController.GetSequence)
	seq.Post("/:id/steps", sequenceController.AddStep)
	seq.Put("/:id/steps/order", sequenceController.ReorderSteps)
	seq.Delete("/:id/steps/:position", sequenceController.RemoveStep)
	seq.Post("/:id/activate", sequenceController.ActivateSequence)
	seq.Post("/:id/pause", sequenceController.PauseSequence)
	seq.Post("/:id/resume", sequenceController.ResumeSequence)
	seq.Post("/:id/duplicate", sequenceController.DuplicateSequence)

	// Enrollment routes
	api.Post("/enroll", enrollmentController.Enroll)
	enrollment := api.Group("/enrollment")
	enrollment.Get("/:id", enrollmentController.GetEnrollment)
	enrollment.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollment.Post("/:id/resume", enrollmentController.ResumeEnrollment)
	enrollment.Post("/:id/cancel", enrollmentController.CancelEnrollment)

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", leadController.CreateLead)
	lead.Get("/:id", leadController.GetLead)
	lead.Get("/:id/enrollments", enrollmentController.ListLeadEnrollments)

	// Journey routes
	api.Get("/journey", journeyController.GetJourney)
	api.Get("/stats", journeyController.GetStats)
	api.Use("/journey/live", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/journey/live", websocket.New(journeyController.LiveJourney))

	// Provider webhooks
	sig := api.Group("/signals", middleware.WebhookRateLimiter(d.WebhookRateLimit, d.LimiterStorage))
	sig.Post("/reply", signalController.HandleReply)
	sig.Post("/bounce", signalController.HandleBounce)
	sig.Post("/delivered", signalController.HandleDelivered)
	sig.Post("/unsubscribe", signalController.HandleUnsubscribe)
	sig.Post("/engagement", signalController.HandleEngagement)

	// Tracking links are embedded in outgoing mail, so they live outside /api.
	app.Get("/track/open/:token", signalController.HandleOpenTracking)
	app.Get("/track/click/:token", signalController.HandleClickTracking)
}
