package core

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/observability"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outbox delivers signed messages. Each call succeeds or fails on its own;
// there is no ordering across calls.
type Outbox interface {
	Publish(ctx context.Context, msg *event.Message) error
}

// Reporter receives the outcome of every fan-out.
type Reporter interface {
	Report(r PublishReport)
}

// PublishResult is the outcome of one message.
type PublishResult struct {
	MessageID string
	Label     event.Label
	Err       error
}

// PublishReport collects the results of one fan-out.
type PublishReport struct {
	GameID  string
	Cause   string
	At      time.Time
	Results []PublishResult
}

// OK reports whether every message was published.
func (r PublishReport) OK() bool {
	return r.Failed() == 0
}

func (r PublishReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Fanout signs messages and publishes them concurrently, each under its own
// timeout.
type Fanout struct {
	outbox   Outbox
	signer   *event.Signer
	timeout  time.Duration
	metrics  *observability.Metrics
	reporter Reporter
	log      zerolog.Logger
}

func NewFanout(outbox Outbox, signer *event.Signer, timeout time.Duration, metrics *observability.Metrics, reporter Reporter) *Fanout {
	return &Fanout{
		outbox:   outbox,
		signer:   signer,
		timeout:  timeout,
		metrics:  metrics,
		reporter: reporter,
		log:      observability.NewLogger("fanout"),
	}
}

// Signer returns the identity messages are signed with.
func (f *Fanout) Signer() *event.Signer {
	return f.signer
}

// Seal signs a freshly built message so its id can be referenced before it
// is published.
func (f *Fanout) Seal(m *event.Message, err error) (*event.Message, error) {
	if err != nil {
		return nil, err
	}
	if err := f.signer.Sign(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Publish sends every message and waits for all of them. Unsigned messages
// are signed first.
func (f *Fanout) Publish(ctx context.Context, gameID, cause string, msgs ...*event.Message) PublishReport {
	report := PublishReport{
		GameID:  gameID,
		Cause:   cause,
		At:      time.Now(),
		Results: make([]PublishResult, len(msgs)),
	}

	var wg sync.WaitGroup
	for i, m := range msgs {
		report.Results[i].Label = m.Label()
		if m.Sig == "" {
			if err := f.signer.Sign(m); err != nil {
				report.Results[i].Err = fmt.Errorf("sign: %w", err)
				continue
			}
		}
		report.Results[i].MessageID = m.ID

		wg.Add(1)
		go func(i int, m *event.Message) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			report.Results[i].Err = f.outbox.Publish(pctx, m)
		}(i, m)
	}
	wg.Wait()

	f.observe(report)
	return report
}

func (f *Fanout) observe(r PublishReport) {
	for _, res := range r.Results {
		result := "ok"
		if res.Err != nil {
			result = "error"
			f.log.Warn().Err(res.Err).
				Str("game_id", r.GameID).
				Str("cause", r.Cause).
				Str("label", string(res.Label)).
				Str("message_id", res.MessageID).
				Msg("publish failed")
		}
		if f.metrics != nil {
			f.metrics.Publishes.WithLabelValues(string(res.Label), result).Inc()
		}
	}
	if f.reporter != nil {
		f.reporter.Report(r)
	}
}
