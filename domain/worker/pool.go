package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
)

// VisibilityTimeout is the default lease duration a job stays hidden from
// other workers after being picked up.
const VisibilityTimeout = 30 * time.Second

// EventLoader resolves the event a queued job was matched against.
type EventLoader interface {
	Load(ctx context.Context, eventID string) (*event.Event, error)
}

// ChainNamer resolves a chain id to its display name for template
// rendering; returns "" for unknown chains.
type ChainNamer func(chainID int64) string

// Pool runs concurrency workers of a single action type, leasing jobs off q
// and dispatching them to handler.
type Pool struct {
	actionType  string
	concurrency int
	q           *queue.Queue
	handler     Handler
	events      EventLoader
	chainNamer  ChainNamer
	results     *store.ResultStore
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// NewPool constructs a worker Pool. concurrency <= 0 defaults to 1.
func NewPool(actionType string, concurrency int, q *queue.Queue, handler Handler, events EventLoader, chainNamer ChainNamer, results *store.ResultStore, logger *logging.Logger, m *metrics.Metrics) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		actionType:  actionType,
		concurrency: concurrency,
		q:           q,
		handler:     handler,
		events:      events,
		chainNamer:  chainNamer,
		results:     results,
		logger:      logger,
		metrics:     m,
	}
}

// Run blocks, running concurrency goroutines that lease-dispatch-ack in a
// loop until ctx is cancelled. A lease miss backs off briefly before
// retrying so an idle pool doesn't spin.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func() {
			p.runWorker(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.concurrency; i++ {
		<-done
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.q.Lease(ctx, p.actionType, VisibilityTimeout)
		if err != nil {
			if p.logger != nil {
				p.logger.WithContext(ctx).WithError(err).Warn("job lease failed")
			}
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *queue.ActionJob) {
	start := time.Now()

	ev, err := p.events.Load(ctx, job.EventID)
	if err != nil {
		p.nack(ctx, job, err)
		return
	}

	chainName := ""
	if p.chainNamer != nil {
		chainName = p.chainNamer(ev.ChainID)
	}

	var config map[string]interface{}
	_ = json.Unmarshal(job.Config, &config)

	result := p.handler.Execute(ctx, Job{
		ID:          job.ID,
		TriggerID:   job.TriggerID,
		ActionIndex: job.ActionIndex,
		Config:      config,
		Event:       ev,
		ChainName:   chainName,
		Timeout:     30 * time.Second,
	})

	duration := time.Since(start)
	if p.logger != nil {
		p.logger.LogWorkerDispatch(ctx, job.ID, p.actionType, duration, result.Err)
	}
	status := store.ResultSuccess
	var errMsg *string
	if !result.Success {
		if job.AttemptCount+1 >= job.MaxRetries {
			status = store.ResultFailed
		} else {
			status = store.ResultRetrying
		}
		if result.Err != nil {
			msg := result.Err.Error()
			errMsg = &msg
		}
	}

	if p.metrics != nil {
		p.metrics.RecordWorkerExecution(p.actionType, string(status), duration)
	}

	if p.results != nil {
		_ = p.results.Append(ctx, store.ActionResult{
			ID:           uuid.NewString(),
			JobID:        job.ID,
			TriggerID:    job.TriggerID,
			EventID:      job.EventID,
			ActionType:   p.actionType,
			Status:       status,
			DurationMS:   duration.Milliseconds(),
			ErrorMessage: errMsg,
			ResponseData: result.ResponseData,
			AttemptCount: job.AttemptCount + 1,
			ExecutedAt:   time.Now().UTC(),
		})
	}

	if result.Success {
		leaseToken := ""
		if job.LeaseToken != nil {
			leaseToken = *job.LeaseToken
		}
		if err := p.q.Ack(ctx, job.ID, leaseToken); err != nil && p.logger != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("job ack failed")
		}
		return
	}

	p.nack(ctx, job, result.Err)
}

func (p *Pool) nack(ctx context.Context, job *queue.ActionJob, cause error) {
	leaseToken := ""
	if job.LeaseToken != nil {
		leaseToken = *job.LeaseToken
	}
	if err := p.q.Nack(ctx, job.ID, leaseToken, rand.Float64()); err != nil && p.logger != nil {
		p.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"job_id": job.ID,
			"cause":  errString(cause),
		}).Warn("job delivery failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
