// Package orchestrator implements the event processor: it binds the event
// notification channel to the trigger store reader, condition evaluator,
// stateful state manager, circuit breaker, and action job queue, turning
// one notified event into zero or more enqueued ActionJobs.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/trigger-pipeline/domain/breaker"
	"github.com/R3E-Network/trigger-pipeline/domain/condition"
	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/domain/eventbus"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/state"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
)

// Config controls the processor's concurrency and timing.
type Config struct {
	EvaluationConcurrency int
	EvaluationTimeout     time.Duration
	ShutdownDrain         time.Duration
}

// DefaultConfig mirrors the documented processor defaults.
func DefaultConfig() Config {
	return Config{
		EvaluationConcurrency: 32,
		EvaluationTimeout:     5 * time.Second,
		ShutdownDrain:         30 * time.Second,
	}
}

// Processor is the event processor (orchestrator).
type Processor struct {
	cfg       Config
	events    *store.EventStore
	reader    *store.Reader
	evaluator *condition.Evaluator
	stateMgr  *state.Manager
	breaker   *breaker.Breaker
	queue     *queue.Queue
	logger    *logging.Logger
	metrics   *metrics.Metrics
	sem       chan struct{}
	inFlight  sync.WaitGroup
}

// New constructs a Processor.
func New(cfg Config, events *store.EventStore, reader *store.Reader, evaluator *condition.Evaluator, stateMgr *state.Manager, b *breaker.Breaker, q *queue.Queue, logger *logging.Logger, m *metrics.Metrics) *Processor {
	if cfg.EvaluationConcurrency <= 0 {
		cfg.EvaluationConcurrency = 32
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 5 * time.Second
	}
	if cfg.ShutdownDrain <= 0 {
		cfg.ShutdownDrain = 30 * time.Second
	}
	return &Processor{
		cfg:       cfg,
		events:    events,
		reader:    reader,
		evaluator: evaluator,
		stateMgr:  stateMgr,
		breaker:   b,
		queue:     q,
		logger:    logger,
		metrics:   m,
		sem:       make(chan struct{}, cfg.EvaluationConcurrency),
	}
}

// Run subscribes to bus and blocks until ctx is cancelled. On cancellation
// it stops accepting new notifications and waits up to cfg.ShutdownDrain for
// evaluations already in flight to finish before returning.
func (p *Processor) Run(ctx context.Context, bus *eventbus.Bus) error {
	if err := bus.Subscribe(ctx, p.HandleNotification); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Shutdown()
}

// Shutdown waits for in-flight notification handling to finish, up to
// cfg.ShutdownDrain. A trigger evaluation still running past the drain
// window is abandoned; its breaker state is left as of its last successful
// record and the next evaluation will re-attempt it.
func (p *Processor) Shutdown() error {
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownDrain):
		return errors.Internal("processor shutdown drain timed out with evaluations still in flight", nil)
	}
}

// HandleNotification is invoked once per notified event id. It fetches the
// event, loads candidate triggers for the event's (chain_id, registry), and
// evaluates every candidate trigger with bounded concurrency, enqueueing
// actions for each match. A nil return means the notification may be
// acknowledged; the event bus's own dedup keeps a redelivered notification
// from double-processing.
func (p *Processor) HandleNotification(ctx context.Context, eventID string) error {
	p.inFlight.Add(1)
	defer p.inFlight.Done()

	ev, err := p.events.Get(ctx, eventID)
	if err != nil {
		if se := errors.GetServiceError(err); se != nil && se.Code == errors.ErrCodeNotFound {
			return nil
		}
		return err
	}

	triggers, err := p.reader.LoadCandidates(ctx, ev.ChainID, ev.Registry)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return nil
	}

	ids := make([]string, len(triggers))
	for i, t := range triggers {
		ids[i] = t.ID
	}
	conditionsByTrigger, actionsByTrigger, err := p.reader.LoadRelations(ctx, ids)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := range triggers {
		t := triggers[i]
		wg.Add(1)
		p.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-p.sem }()
			p.evaluateTrigger(ctx, &t, conditionsByTrigger[t.ID], actionsByTrigger[t.ID], ev)
		}()
	}
	wg.Wait()

	return nil
}

// evaluateTrigger runs one trigger's circuit-breaker gate, stateless
// evaluation, stateful evaluation, and action enqueue under a soft
// per-trigger evaluation timeout.
func (p *Processor) evaluateTrigger(ctx context.Context, t *trigger.Trigger, conditions []trigger.Condition, actions []trigger.Action, ev *event.Event) {
	evalCtx, cancel := context.WithTimeout(ctx, p.cfg.EvaluationTimeout)
	defer cancel()

	if !p.breaker.Allow(evalCtx, t) {
		if p.metrics != nil {
			p.metrics.RecordTriggerEvaluation(t.ID, "", false, 0)
		}
		return
	}

	start := time.Now()
	matched, err := p.evaluate(evalCtx, t, conditions, ev)
	duration := time.Since(start)

	if p.logger != nil {
		p.logger.LogTriggerEvaluation(ctx, t.ID, ev.ID, matched, duration, err)
	}
	if p.metrics != nil {
		p.metrics.RecordTriggerEvaluation(t.ID, "", matched, duration)
	}

	if err != nil {
		p.breaker.RecordFailure(evalCtx, t)
		return
	}
	p.breaker.RecordSuccess(evalCtx, t)

	if !matched {
		return
	}

	for i, a := range actions {
		config, marshalErr := json.Marshal(map[string]interface{}(a.Config))
		if marshalErr != nil {
			continue
		}
		eventData, _ := json.Marshal(ev)
		_, enqueueErr := p.queue.Enqueue(ctx, queue.EnqueueInput{
			TriggerID:   t.ID,
			EventID:     ev.ID,
			ActionIndex: i,
			ActionType:  string(a.ActionType),
			Priority:    a.Priority,
			Config:      config,
			EventData:   eventData,
		})
		if enqueueErr != nil {
			se := errors.GetServiceError(enqueueErr)
			idempotentHit := se != nil && se.Code == errors.ErrCodeQueueIdempotentHit
			if !idempotentHit {
				if p.logger != nil {
					p.logger.WithContext(ctx).WithError(enqueueErr).WithFields(map[string]interface{}{
						"trigger_id": t.ID,
						"action_id":  a.ID,
					}).Error("action enqueue failed")
				}
				if p.metrics != nil {
					p.metrics.RecordError("processor", "enqueue_failed", string(a.ActionType))
				}
			}
		}
	}
}

// evaluate runs stateless conditions first, short-circuiting on the first
// failure, then — only if every stateless condition passed and the trigger
// is stateful — runs stateful conditions under the state manager's
// per-trigger critical section.
func (p *Processor) evaluate(ctx context.Context, t *trigger.Trigger, conditions []trigger.Condition, ev *event.Event) (bool, error) {
	statelessMatch, err := p.evaluator.EvaluateStateless(conditions, ev)
	if err != nil {
		return false, err
	}
	if !statelessMatch {
		return false, nil
	}
	if !t.IsStateful {
		return true, nil
	}
	return p.stateMgr.EvaluateAndUpdate(ctx, t.ID, conditions, ev)
}
