package dispatcher

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"payments-gateway/health"
	"payments-gateway/model"
	"payments-gateway/processor"

	"github.com/shopspring/decimal"
)

// Queue is the slice of the coordination store the dispatcher consumes.
type Queue interface {
	Dequeue(ctx context.Context, wait time.Duration) (*model.QueueTask, error)
	Enqueue(ctx context.Context, task model.QueueTask) error
	DeadLetter(ctx context.Context, task model.QueueTask) error
}

// Ledger is the conditional-write half of the store. InsertPending
// claims a task; the Mark calls are no-ops once a terminal row exists.
type Ledger interface {
	InsertPending(ctx context.Context, task model.QueueTask) (bool, error)
	MarkSucceeded(ctx context.Context, correlationID string, p model.Processor, processedAt time.Time, attempts int) (bool, error)
	MarkFailed(ctx context.Context, correlationID string, p model.Processor, processedAt time.Time, attempts int) (bool, error)
}

// Charger issues the actual processor calls.
type Charger interface {
	Charge(ctx context.Context, p model.Processor, correlationID string, amount decimal.Decimal, requestedAt time.Time) processor.Outcome
	ServiceHealth(ctx context.Context, p model.Processor) (failing bool, minResponseTime int)
}

type Config struct {
	PopWait       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	ProbeInterval time.Duration
	Breaker       health.Config
}

// Dispatcher is the single logical consumer of the queue. Correctness
// does not depend on it being alone: the ledger's conditional writes
// arbitrate duplicate deliveries, so a second instance is safe, just
// redundant.
type Dispatcher struct {
	queue   Queue
	ledger  Ledger
	charger Charger
	cfg     Config

	breakers map[model.Processor]*health.Breaker

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

func New(queue Queue, ledger Ledger, charger Charger, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		ledger:  ledger,
		charger: charger,
		cfg:     cfg,
		breakers: map[model.Processor]*health.Breaker{
			model.ProcessorDefault:  health.NewBreaker(cfg.Breaker),
			model.ProcessorFallback: health.NewBreaker(cfg.Breaker),
		},
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// BreakerState exposes a processor's health for logging and /health
// style introspection.
func (d *Dispatcher) BreakerState(p model.Processor) health.State {
	return d.breakers[p].State()
}

func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.loop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.probeLoop(ctx)
	}()
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.queue.Dequeue(ctx, d.cfg.PopWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Dequeue failed, backing off: %v", err)
			d.sleep(ctx, d.cfg.BackoffBase)
			continue
		}
		if task == nil {
			// Bounded wait expired on an empty queue; looping here is
			// what lets the probe goroutine's view stay fresh.
			continue
		}
		d.handle(ctx, *task)
	}
}

func (d *Dispatcher) handle(ctx context.Context, task model.QueueTask) {
	claimed, err := d.ledger.InsertPending(ctx, task)
	if err != nil {
		log.Printf("Ledger claim failed for %s, requeueing: %v", task.CorrelationID, err)
		d.requeue(ctx, task)
		d.sleep(ctx, d.cfg.BackoffBase)
		return
	}
	if !claimed {
		// Row already exists: either a redelivery of a pending task or
		// an already-terminal record. Proceed; the terminal write below
		// is conditional and cannot overwrite a terminal row.
		log.Printf("Redelivery of %s detected", task.CorrelationID)
	}

	candidates := d.candidates()
	if len(candidates) == 0 {
		// Both processors suppressed. Park the task without burning its
		// retry budget; we never actually called anyone.
		log.Printf("Both processors unavailable, parking %s", task.CorrelationID)
		d.sleep(ctx, d.cfg.BackoffBase)
		d.requeue(ctx, task)
		return
	}

	last := candidates[0]
	for _, p := range candidates {
		last = p
		switch d.charger.Charge(ctx, p, task.CorrelationID, task.Amount, task.SubmittedAt) {
		case processor.Success:
			d.breakers[p].RecordSuccess()
			d.commit(ctx, task, p, model.StatusSucceeded, task.Attempts+1)
			return
		case processor.PermanentFailure:
			// The processor answered; it is healthy, the payment is not.
			d.breakers[p].RecordSuccess()
			d.commit(ctx, task, p, model.StatusFailed, task.Attempts+1)
			return
		case processor.TransientFailure:
			d.breakers[p].RecordFailure()
		}
	}

	// Every allowed processor failed transiently.
	task.Attempts++
	if task.Attempts >= d.cfg.MaxRetries {
		log.Printf("Retry budget exhausted for %s after %d attempts", task.CorrelationID, task.Attempts)
		d.commit(ctx, task, last, model.StatusFailed, task.Attempts)
		if err := d.queue.DeadLetter(ctx, task); err != nil {
			log.Printf("Dead letter push failed for %s: %v", task.CorrelationID, err)
		}
		return
	}
	d.sleep(ctx, d.backoff(task.Attempts))
	d.requeue(ctx, task)
}

// candidates orders the processors to try this round: default leads
// while its breaker lets calls through, fallback covers the rest.
func (d *Dispatcher) candidates() []model.Processor {
	var out []model.Processor
	if d.breakers[model.ProcessorDefault].Allow() {
		out = append(out, model.ProcessorDefault)
	}
	if d.breakers[model.ProcessorFallback].Allow() {
		out = append(out, model.ProcessorFallback)
	}
	return out
}

// commit writes the terminal record, retrying through short store
// outages. If the store stays down the task goes back on the queue so
// it is never dropped without a terminal row.
func (d *Dispatcher) commit(ctx context.Context, task model.QueueTask, p model.Processor, status model.Status, attempts int) {
	for i := 0; i < 3; i++ {
		var ok bool
		var err error
		if status == model.StatusSucceeded {
			ok, err = d.ledger.MarkSucceeded(ctx, task.CorrelationID, p, d.now().UTC(), attempts)
		} else {
			ok, err = d.ledger.MarkFailed(ctx, task.CorrelationID, p, d.now().UTC(), attempts)
		}
		if err == nil {
			if !ok {
				log.Printf("Terminal write for %s was a no-op (already terminal)", task.CorrelationID)
			}
			return
		}
		log.Printf("Terminal write failed for %s (try %d): %v", task.CorrelationID, i+1, err)
		d.sleep(ctx, d.cfg.BackoffBase)
	}
	log.Printf("Store unavailable committing %s, requeueing", task.CorrelationID)
	d.requeue(ctx, task)
}

// requeue puts a task back, falling back to the dead letter when the
// queue will not take it, so no accepted task disappears silently.
func (d *Dispatcher) requeue(ctx context.Context, task model.QueueTask) {
	for i := 0; i < 3; i++ {
		err := d.queue.Enqueue(ctx, task)
		if err == nil {
			return
		}
		log.Printf("Requeue failed for %s (try %d): %v", task.CorrelationID, i+1, err)
		d.sleep(ctx, d.cfg.BackoffBase)
	}
	if err := d.queue.DeadLetter(ctx, task); err != nil {
		log.Printf("CRITICAL: could not requeue or dead-letter %s: %v", task.CorrelationID, err)
	}
}

func (d *Dispatcher) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range []model.Processor{model.ProcessorDefault, model.ProcessorFallback} {
			failing, _ := d.charger.ServiceHealth(ctx, p)
			if failing {
				d.breakers[p].RecordFailure()
			} else {
				d.breakers[p].RecordSuccess()
			}
		}
	}
}

// backoff follows the classic jittered exponential curve: base * 2^n
// scaled by a random factor in [0.5, 1.5).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	mult := float64(int64(1) << uint(attempt))
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d.cfg.BackoffBase) * mult * jitter)
}

func sleepCtx(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
