package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Processor string

const (
	ProcessorDefault  Processor = "default"
	ProcessorFallback Processor = "fallback"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	ErrValidation       = errors.New("invalid payment request")
	ErrDuplicate        = errors.New("correlation id already submitted")
	ErrQueueFull        = errors.New("payment queue at capacity")
	ErrStoreUnavailable = errors.New("coordination store unavailable")
)

type PaymentRequest struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

// Validate rejects anything that must never reach the queue: a
// correlationId that is not a UUID, or a non-positive amount.
func (p *PaymentRequest) Validate() error {
	if _, err := uuid.Parse(p.CorrelationID); err != nil {
		return ErrValidation
	}
	if !p.Amount.IsPositive() {
		return ErrValidation
	}
	return nil
}

// QueueTask is the wire form of a payment while it sits in the queue.
// Attempts counts completed dispatch rounds so the retry budget
// survives requeues.
type QueueTask struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	Attempts      int             `json:"attempts"`
}

type PaymentRecord struct {
	CorrelationID string
	Amount        decimal.Decimal
	Processor     Processor
	Status        Status
	SubmittedAt   time.Time
	ProcessedAt   time.Time
	Attempts      int
}

type Summary struct {
	TotalRequests int64           `json:"totalRequests"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

type SummaryResponse struct {
	Default  Summary `json:"default"`
	Fallback Summary `json:"fallback"`
}

// ZeroSummary carries explicit zero totals so a processor with no
// matching records reports zero, not absence.
func ZeroSummary() SummaryResponse {
	return SummaryResponse{
		Default:  Summary{TotalAmount: decimal.Zero},
		Fallback: Summary{TotalAmount: decimal.Zero},
	}
}

type ProcessorHealthResponse struct {
	Failing         bool `json:"failing"`
	MinResponseTime int  `json:"minResponseTime"`
}
