package handler

import (
	"context"
	"errors"
	"log"
	"time"

	"payments-gateway/model"

	"github.com/gofiber/fiber/v2"
)

// Store is the queue-and-locks half of the coordination store the API
// tier touches.
type Store interface {
	AcquireAccept(ctx context.Context, correlationID string) (bool, error)
	ReleaseAccept(ctx context.Context, correlationID string)
	Enqueue(ctx context.Context, task model.QueueTask) error
	Ping(ctx context.Context) error
	Purge(ctx context.Context) error
}

// Ledger is the read side the API needs: duplicate checks and
// summaries.
type Ledger interface {
	Exists(ctx context.Context, correlationID string) (bool, error)
	GetSummary(ctx context.Context, from, to time.Time) (model.SummaryResponse, error)
	Ping(ctx context.Context) error
	PurgePayments(ctx context.Context) error
}

type AppHandler struct {
	Store  Store
	Ledger Ledger
}

func (h *AppHandler) Register(app *fiber.App) {
	app.Post("/payments", h.HandlePayments)
	app.Get("/payments-summary", h.HandleSummary)
	app.Get("/health", h.HandleHealth)
	app.Post("/purge-payments", h.HandlePurge)
}

// HandlePayments validates, deduplicates and enqueues one submission.
// All durable state changes past the queue push belong to the
// dispatcher; the caller only ever sees accept/reject.
func (h *AppHandler) HandlePayments(c *fiber.Ctx) error {
	var req model.PaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed body"})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid correlationId or amount"})
	}

	ctx := c.UserContext()

	// Ledger first: a record, pending or terminal, means this id was
	// already accepted once.
	exists, err := h.Ledger.Exists(ctx, req.CorrelationID)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
	}
	if exists {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "duplicate correlationId"})
	}

	// Accept lock closes the window between two instances racing the
	// same id before either task reaches the ledger.
	locked, err := h.Store.AcquireAccept(ctx, req.CorrelationID)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
	}
	if !locked {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "duplicate correlationId"})
	}

	task := model.QueueTask{
		CorrelationID: req.CorrelationID,
		Amount:        req.Amount,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := h.Store.Enqueue(ctx, task); err != nil {
		// Free the lock so the caller may retry once there is room.
		h.Store.ReleaseAccept(ctx, req.CorrelationID)
		if errors.Is(err, model.ErrQueueFull) {
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue full"})
		}
		log.Printf("Enqueue failed for %s: %v", req.CorrelationID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *AppHandler) HandleSummary(c *fiber.Ctx) error {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		from = time.Now().UTC().Add(-24 * time.Hour)
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		to = time.Now().UTC()
	}

	summary, err := h.Ledger.GetSummary(c.UserContext(), from, to)
	if err != nil {
		log.Printf("Summary query failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
	}
	return c.JSON(summary)
}

// HandleHealth reports whether this instance can reach the
// coordination store.
func (h *AppHandler) HandleHealth(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if err := h.Store.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
	}
	if err := h.Ledger.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// HandlePurge resets queue, locks and ledger. Load-test helper.
func (h *AppHandler) HandlePurge(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if err := h.Ledger.PurgePayments(ctx); err != nil {
		log.Printf("Error on purge payments: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
	}
	if err := h.Store.Purge(ctx); err != nil {
		log.Printf("Error on purge queue: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
	}
	return c.SendStatus(fiber.StatusAccepted)
}
