package processor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"payments-gateway/model"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient failure"
	case PermanentFailure:
		return "permanent failure"
	}
	return "unknown"
}

// Client talks to the two external processors. It holds no state beyond
// the shared http.Client; health bookkeeping belongs to the caller.
type Client struct {
	DefaultURL  string
	FallbackURL string
	CallTimeout time.Duration
	Client      *http.Client
}

func NewClient(defaultURL, fallbackURL string, callTimeout time.Duration) *Client {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        500,
			MaxIdleConnsPerHost: 500,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		Timeout: 10 * time.Second,
	}
	return &Client{
		DefaultURL:  defaultURL,
		FallbackURL: fallbackURL,
		CallTimeout: callTimeout,
		Client:      client,
	}
}

func (c *Client) baseURL(p model.Processor) string {
	if p == model.ProcessorFallback {
		return c.FallbackURL
	}
	return c.DefaultURL
}

type chargeBody struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   string          `json:"requestedAt"`
}

// Charge posts one payment to the selected processor under the per-call
// deadline and classifies the result. Timeouts and connection errors
// are transient; 5xx, 408 and 429 are transient; any other non-2xx is a
// permanent rejection.
func (c *Client) Charge(ctx context.Context, p model.Processor, correlationID string, amount decimal.Decimal, requestedAt time.Time) Outcome {
	body, err := sonic.Marshal(chargeBody{
		CorrelationID: correlationID,
		Amount:        amount,
		RequestedAt:   requestedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("JSON marshal error: %v", err)
		return PermanentFailure
	}

	ctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/payments", c.baseURL(p)), bytes.NewReader(body))
	if err != nil {
		log.Printf("Request creation error: %v", err)
		return PermanentFailure
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		log.Printf("HTTP error to %s processor: %v", p, err)
		return TransientFailure
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return TransientFailure
	default:
		return PermanentFailure
	}
}

// ServiceHealth hits the processor's health endpoint. Errors count as
// failing; the caller folds the answer into its breaker.
func (c *Client) ServiceHealth(ctx context.Context, p model.Processor) (failing bool, minResponseTime int) {
	ctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/payments/service-health", c.baseURL(p)), nil)
	if err != nil {
		return true, 0
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		log.Printf("Service health error for %s processor: %v", p, err)
		return true, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, 0
	}

	var data model.ProcessorHealthResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&data); err != nil {
		return true, 0
	}
	return data.Failing, data.MinResponseTime
}
