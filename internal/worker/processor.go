package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"accessbridge/internal/config"
	"accessbridge/internal/faults"
	"accessbridge/internal/models"
	"accessbridge/internal/telemetry"
)

// JobStore is the slice of the store the processor needs. The Postgres row
// is authoritative; the processor never trusts the queue message's status.
type JobStore interface {
	ValidateQueued(ctx context.Context, correlationID string) (bool, error)
	ClaimQueued(ctx context.Context, correlationID, auditMessage string) (bool, error)
	Finalize(ctx context.Context, correlationID, newStatus, auditMessage string, ref *models.ExternalReference) error
	StaleInProgress(ctx context.Context, olderThan time.Duration) (int64, error)
}

// WorkQueue is the slice of the queue the processor needs.
type WorkQueue interface {
	DequeueBlocking(ctx context.Context, domain string, timeout time.Duration) ([]byte, error)
	EnqueueRetry(ctx context.Context, domain string, payload []byte) error
	DeadLetter(ctx context.Context, domain string, payload []byte) error
	Depth(ctx context.Context, domain string) (int64, error)
}

// StatusCache receives best-effort status writes after every transition.
type StatusCache interface {
	Set(ctx context.Context, correlationID, status string) error
}

// Executor performs the privileged operation for one job. A nil error means
// the operation succeeded and externalRef carries the provider's reference
// id. A non-nil error should carry a faults.Kind; unclassified errors are
// treated as unknown and take the conservative path.
type Executor interface {
	Execute(ctx context.Context, msg models.QueueMessage) (externalRef string, err error)
}

// Processor drives the job state machine: it consumes queue messages,
// deduplicates against the store, invokes the executor, and finalizes the
// outcome.
type Processor struct {
	cfg      config.Config
	store    JobStore
	queue    WorkQueue
	cache    StatusCache
	executor Executor
	log      *slog.Logger
}

// New constructs a processor. All collaborators are injected; the processor
// holds no global state and any number of replicas can run concurrently.
func New(cfg config.Config, store JobStore, queue WorkQueue, cache StatusCache, executor Executor, log *slog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		cache:    cache,
		executor: executor,
		log:      log,
	}
}

// Run blocks on the work queue until context cancellation. Queue
// connectivity failures pause the loop briefly instead of crashing it.
func (p *Processor) Run(ctx context.Context) error {
	domain := p.cfg.TargetDomain
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.observe(ctx, domain)

		payload, err := p.queue.DequeueBlocking(ctx, domain, p.cfg.DequeueTimeout)
		if err != nil {
			p.log.Error("dequeue failed, pausing", "queue", domain, "error", err)
			p.pause(ctx)
			continue
		}
		if payload == nil {
			continue
		}
		p.Process(ctx, payload)
	}
}

// Process runs the full lifecycle for one dequeued payload.
func (p *Processor) Process(ctx context.Context, payload []byte) {
	domain := p.cfg.TargetDomain

	var msg models.QueueMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.CorrelationID == "" {
		// Without a correlation id there is no job row to update; this is
		// the one case where a message is dropped with no store interaction.
		p.log.Error("uncorrelatable message discarded", "queue", domain, "error", err)
		telemetry.JobsDiscarded.Inc()
		return
	}
	log := p.log.With("correlation_id", msg.CorrelationID, "queue", domain)

	// Admission guard against at-least-once redelivery: only a job the
	// store still shows as queued may proceed.
	ok, err := p.store.ValidateQueued(ctx, msg.CorrelationID)
	if err != nil {
		p.storeFailure(ctx, domain, payload, err, log)
		return
	}
	if !ok {
		log.Warn("duplicate or unknown delivery discarded")
		telemetry.JobsDiscarded.Inc()
		return
	}

	// Atomic claim: set in_progress where status is still queued. Exactly
	// one concurrent worker wins; the rest discard.
	claimed, err := p.store.ClaimQueued(ctx, msg.CorrelationID, "worker processing started")
	if err != nil {
		p.storeFailure(ctx, domain, payload, err, log)
		return
	}
	if !claimed {
		log.Warn("claim lost to concurrent worker, discarding")
		telemetry.JobsDiscarded.Inc()
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	ref, execErr := p.executor.Execute(ctx, msg)
	if execErr == nil {
		err := p.store.Finalize(ctx, msg.CorrelationID, models.StatusSuccess,
			"entitlement operation successful", &models.ExternalReference{
				CloudProvider: msg.TargetCloud,
				CorrelationID: msg.CorrelationID,
				ExternalRefID: ref,
			})
		if err != nil {
			p.storeFailure(ctx, domain, payload, err, log)
			return
		}
		p.cacheStatus(ctx, msg.CorrelationID, models.StatusSuccess, log)
		telemetry.JobsSucceeded.Inc()
		log.Info("job succeeded", "external_ref", ref)
		return
	}

	p.finalizeFailure(ctx, domain, payload, msg.CorrelationID, execErr, log)
}

// finalizeFailure routes an executor failure: transient faults revert the
// job to queued and requeue the message ahead of fresh work; permanent
// faults finalize to failed; anything unclassified finalizes to failed and
// is additionally dead-lettered for manual review.
func (p *Processor) finalizeFailure(ctx context.Context, domain string, payload []byte, correlationID string, execErr error, log *slog.Logger) {
	kind, classified := faults.KindOf(execErr)
	switch {
	case classified && kind == faults.ExecutorTransient:
		log.Warn("transient executor failure, requeuing", "error", execErr)
		err := p.store.Finalize(ctx, correlationID, models.StatusQueued,
			fmt.Sprintf("transient failure, requeued for retry: %v", execErr), nil)
		if err != nil {
			p.storeFailure(ctx, domain, payload, err, log)
			return
		}
		p.cacheStatus(ctx, correlationID, models.StatusQueued, log)
		if err := p.queue.EnqueueRetry(ctx, domain, payload); err != nil {
			// The row is queued but the message is lost until redelivered
			// or resubmitted; pause rather than tight-loop on a dead queue.
			log.Error("requeue failed after transient failure", "error", err)
			p.pause(ctx)
			return
		}
		telemetry.JobsRequeued.Inc()

	case classified && kind == faults.ExecutorPermanent:
		log.Error("permanent executor failure, job will not be retried", "error", execErr)
		err := p.store.Finalize(ctx, correlationID, models.StatusFailed,
			fmt.Sprintf("non-retryable failure: %v", execErr), nil)
		if err != nil {
			p.storeFailure(ctx, domain, payload, err, log)
			return
		}
		p.cacheStatus(ctx, correlationID, models.StatusFailed, log)
		telemetry.JobsFailed.Inc()

	default:
		// Unknown failure: terminal failed plus the manual-review queue is
		// the safest auditable outcome.
		log.Error("unhandled executor failure, routing for manual review", "error", execErr)
		err := p.store.Finalize(ctx, correlationID, models.StatusFailed,
			fmt.Sprintf("unhandled failure, routed for manual review: %v", execErr), nil)
		if err != nil {
			p.storeFailure(ctx, domain, payload, err, log)
			return
		}
		p.cacheStatus(ctx, correlationID, models.StatusFailed, log)
		if err := p.queue.DeadLetter(ctx, domain, payload); err != nil {
			log.Error("dead-letter push failed", "error", err)
		} else {
			telemetry.JobsDeadLettered.Inc()
		}
		telemetry.JobsFailed.Inc()
	}
}

// storeFailure handles faults raised by the job store itself. Connectivity
// faults requeue the message and pause (the row may be left in_progress;
// redelivery resolves it through the admission guard). Query faults can
// never succeed on retry, so the message goes to the dead-letter queue with
// no further store writes.
func (p *Processor) storeFailure(ctx context.Context, domain string, payload []byte, err error, log *slog.Logger) {
	kind, classified := faults.KindOf(err)
	if classified && kind == faults.StoreConnectivity {
		log.Error("store connectivity failure, requeuing message", "error", err)
		if qErr := p.queue.EnqueueRetry(ctx, domain, payload); qErr != nil {
			log.Error("requeue failed during store outage", "error", qErr)
		} else {
			telemetry.JobsRequeued.Inc()
		}
		p.pause(ctx)
		return
	}

	log.Error("store query failure, dead-lettering message", "error", err)
	if qErr := p.queue.DeadLetter(ctx, domain, payload); qErr != nil {
		log.Error("dead-letter push failed", "error", qErr)
		return
	}
	telemetry.JobsDeadLettered.Inc()
}

// cacheStatus mirrors a finalized status into the cache. Best effort only.
func (p *Processor) cacheStatus(ctx context.Context, correlationID, status string, log *slog.Logger) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, correlationID, status); err != nil {
		log.Warn("status cache write failed", "status", status, "error", err)
	}
}

// observe refreshes the queue-depth and stale-job gauges.
func (p *Processor) observe(ctx context.Context, domain string) {
	if depth, err := p.queue.Depth(ctx, domain); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if stale, err := p.store.StaleInProgress(ctx, p.cfg.StaleThreshold); err == nil {
		telemetry.StaleInProgress.Set(float64(stale))
	}
}

func (p *Processor) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.RetryPause):
	}
}
