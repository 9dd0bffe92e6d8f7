package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wisefido-incident/common/keylock"
	"wisefido-incident/internal/models"
	"wisefido-incident/internal/repository"
)

// Store is what the dispatcher reads and writes.
type Store interface {
	repository.IntegrationRepository
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)
}

// AlertSink receives the human-visible alert when a dispatch gives up.
type AlertSink interface {
	RaiseAlert(ctx context.Context, alert models.Alert) error
}

// AlertDispatchFailed matches the fan-out's dashboard alert action.
const AlertDispatchFailed = "dispatch_failed"

type Options struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	SendTimeout time.Duration
	RateLimit   float64 // sends per second across all services
	RateBurst   int
	SweepLimit  int
}

// Dispatcher 外部急救服务转发
// 触发只写 pending 记录并入队；网络 I/O 全部在 worker 池中完成。
type Dispatcher struct {
	store   Store
	queue   JobQueue
	clients Registry
	policy  *Policy
	alerts  AlertSink
	limiter *rate.Limiter
	locks   *keylock.Mutex
	opts    Options
	now     func() time.Time
	jitter  func() float64
	logger  *zap.Logger
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithJitter replaces the uniform [0,1) source used by Backoff.
func WithJitter(f func() float64) Option { return func(d *Dispatcher) { d.jitter = f } }

func New(store Store, queue JobQueue, clients Registry, policy *Policy, alerts AlertSink, logger *zap.Logger, opts Options, options ...Option) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = 100
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	d := &Dispatcher{
		store:   store,
		queue:   queue,
		clients: clients,
		policy:  policy,
		alerts:  alerts,
		limiter: rate.NewLimiter(limit, opts.RateBurst),
		locks:   keylock.New(),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		jitter:  rand.Float64,
		logger:  logger,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// lease is how long a freshly triggered record waits before the retry sweep
// assumes its job was lost.
func (d *Dispatcher) lease() time.Duration {
	return 2*d.opts.SendTimeout + d.opts.BaseBackoff
}

// OnTransition is the fan-out trigger for created and escalated transitions.
func (d *Dispatcher) OnTransition(ctx context.Context, ev *models.TransitionEvent) {
	inc := ev.Incident
	for _, svc := range d.policy.Services {
		var reason string
		switch {
		case ev.Entry.Action == models.AuditCreated && svc.AutoForward(inc):
			reason = models.AuditCreated
		case ev.Entry.Action == models.AuditEscalated && svc.Escalates():
			reason = models.AuditEscalated
		default:
			continue
		}
		if err := d.Trigger(ctx, inc.ID, svc.Name, reason); err != nil {
			d.logger.Error("Failed to trigger dispatch",
				zap.String("incident_id", inc.ID),
				zap.String("service", svc.Name),
				zap.String("reason", reason),
				zap.Error(err))
		}
	}
}

// Trigger records a pending integration (unless one is already active) and enqueues a job.
// A failed record is terminal; a new trigger starts a new record.
func (d *Dispatcher) Trigger(ctx context.Context, incidentID, service, reason string) error {
	if _, ok := d.clients[service]; !ok {
		return models.Validationf("unknown external service %q", service)
	}

	unlock := d.locks.Lock(pairKey(incidentID, service))
	rec, err := d.store.GetActiveIntegration(ctx, incidentID, service)
	switch {
	case err == nil:
		unlock()
		if rec.Status != models.IntegrationPending {
			return nil
		}
	case errors.Is(err, models.ErrNotFound):
		now := d.now()
		next := now.Add(d.lease())
		rec = &models.IntegrationRecord{
			IncidentID:      incidentID,
			ExternalService: service,
			Status:          models.IntegrationPending,
			NextRetryAt:     &next,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		err = d.store.SaveIntegration(ctx, rec)
		unlock()
		if err != nil {
			return &models.StorageError{Op: "save integration", Err: err}
		}
	default:
		unlock()
		return &models.StorageError{Op: "get integration", Err: err}
	}

	if err := d.queue.Enqueue(ctx, Job{IncidentID: incidentID, Service: service, Reason: reason}); err != nil {
		// the pending record is picked up by the retry sweep
		d.logger.Warn("Dispatch job not enqueued",
			zap.String("incident_id", incidentID), zap.String("service", service), zap.Error(err))
	}
	return nil
}

// Dispatch performs at most one send attempt for the pair and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, incidentID, service string) (*models.IntegrationRecord, error) {
	client, ok := d.clients[service]
	if !ok {
		return nil, models.Validationf("unknown external service %q", service)
	}

	unlock := d.locks.Lock(pairKey(incidentID, service))
	defer unlock()

	rec, err := d.current(ctx, incidentID, service)
	if err != nil || rec.Status != models.IntegrationPending {
		return rec, err
	}
	now := d.now()
	if rec.AttemptCount > 0 && rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
		// a duplicate job for a record that is waiting out its backoff
		return rec, nil
	}

	inc, err := d.store.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, &models.StorageError{Op: "load incident", Err: err}
	}
	svc, _ := d.policy.Service(service)
	payload := buildPayload(inc, service, svc.ShareMedical)

	if err := d.limiter.Wait(ctx); err != nil {
		return rec, fmt.Errorf("rate limiter: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	res, sendErr := client.Forward(sctx, payload)
	cancel()
	if sendErr == nil && (res == nil || !(res.Accepted || res.Duplicate)) {
		sendErr = fmt.Errorf("%s did not accept incident", service)
	}

	now = d.now()
	rec.AttemptCount++
	rec.LastAttemptAt = &now
	rec.UpdatedAt = now
	gaveUp := false
	if sendErr == nil {
		rec.Status = models.IntegrationSent
		rec.NextRetryAt = nil
		rec.LastError = ""
		if res.ReferenceID != "" {
			ref := res.ReferenceID
			rec.ExternalReferenceID = &ref
		}
	} else {
		rec.LastError = sendErr.Error()
		if rec.AttemptCount >= d.opts.MaxAttempts {
			rec.Status = models.IntegrationFailed
			rec.NextRetryAt = nil
			gaveUp = true
		} else {
			next := now.Add(Backoff(rec.AttemptCount, d.opts.BaseBackoff, d.opts.MaxBackoff, d.jitter()))
			rec.NextRetryAt = &next
		}
	}

	if err := d.store.SaveIntegration(ctx, rec); err != nil {
		return nil, &models.StorageError{Op: "save integration", Err: err}
	}

	switch {
	case sendErr == nil:
		d.logger.Info("Incident dispatched",
			zap.String("incident_id", incidentID),
			zap.String("service", service),
			zap.Int("attempt", rec.AttemptCount),
			zap.Bool("duplicate", res.Duplicate))
	case gaveUp:
		d.logger.Error("Dispatch failed permanently",
			zap.String("incident_id", incidentID),
			zap.String("service", service),
			zap.Int("attempts", rec.AttemptCount),
			zap.Error(sendErr))
		d.raiseAlert(ctx, rec)
	default:
		d.logger.Warn("Dispatch attempt failed",
			zap.String("incident_id", incidentID),
			zap.String("service", service),
			zap.Int("attempt", rec.AttemptCount),
			zap.Timep("next_retry_at", rec.NextRetryAt),
			zap.Error(sendErr))
	}
	return rec, nil
}

// current returns the active record, else the latest failed one, else a new pending record.
func (d *Dispatcher) current(ctx context.Context, incidentID, service string) (*models.IntegrationRecord, error) {
	rec, err := d.store.GetActiveIntegration(ctx, incidentID, service)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, &models.StorageError{Op: "get integration", Err: err}
	}

	all, err := d.store.ListIntegrations(ctx, incidentID)
	if err != nil {
		return nil, &models.StorageError{Op: "list integrations", Err: err}
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ExternalService == service {
			failed := all[i]
			return &failed, nil
		}
	}
	now := d.now()
	return &models.IntegrationRecord{
		IncidentID:      incidentID,
		ExternalService: service,
		Status:          models.IntegrationPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (d *Dispatcher) raiseAlert(ctx context.Context, rec *models.IntegrationRecord) {
	if d.alerts == nil {
		return
	}
	err := d.alerts.RaiseAlert(context.WithoutCancel(ctx), models.Alert{
		Kind:       AlertDispatchFailed,
		IncidentID: rec.IncidentID,
		Service:    rec.ExternalService,
		Message:    fmt.Sprintf("gave up after %d attempts: %s", rec.AttemptCount, rec.LastError),
		RaisedAt:   d.now(),
	})
	if err != nil {
		d.logger.Error("Failed to raise dispatch alert",
			zap.String("incident_id", rec.IncidentID), zap.String("service", rec.ExternalService), zap.Error(err))
	}
}

// Acknowledge handles the external service's callback.
func (d *Dispatcher) Acknowledge(ctx context.Context, service, incidentID, referenceID string) (*models.IntegrationRecord, error) {
	if service == "" || incidentID == "" {
		return nil, models.Validationf("service and incident_id are required")
	}
	unlock := d.locks.Lock(pairKey(incidentID, service))
	defer unlock()

	rec, err := d.store.GetActiveIntegration(ctx, incidentID, service)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("integration %s/%s: %w", service, incidentID, models.ErrNotFound)
		}
		return nil, &models.StorageError{Op: "get integration", Err: err}
	}
	if rec.Status == models.IntegrationAcknowledged {
		return rec, nil
	}
	now := d.now()
	rec.Status = models.IntegrationAcknowledged
	rec.NextRetryAt = nil
	rec.UpdatedAt = now
	if referenceID != "" {
		rec.ExternalReferenceID = &referenceID
	}
	if err := d.store.SaveIntegration(ctx, rec); err != nil {
		return nil, &models.StorageError{Op: "save integration", Err: err}
	}
	d.logger.Info("Integration acknowledged",
		zap.String("incident_id", incidentID),
		zap.String("service", service),
		zap.String("reference_id", referenceID))
	return rec, nil
}

// RetryDue re-enqueues pending records whose retry time has passed; run by cron.
func (d *Dispatcher) RetryDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.store.ListDueIntegrations(ctx, now, d.opts.SweepLimit)
	if err != nil {
		return 0, &models.StorageError{Op: "list due integrations", Err: err}
	}
	n := 0
	for _, rec := range due {
		job := Job{IncidentID: rec.IncidentID, Service: rec.ExternalService, Reason: "retry"}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			d.logger.Warn("Retry not enqueued",
				zap.String("incident_id", rec.IncidentID), zap.String("service", rec.ExternalService), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		d.logger.Info("Dispatch retries enqueued", zap.Int("count", n))
	}
	return n, nil
}

// Run consumes the job queue with Workers goroutines until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		worker := i
		g.Go(func() error { return d.work(ctx, worker) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("Dispatch dequeue failed", zap.Int("worker", worker), zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		job := delivery.Job
		if _, err := d.Dispatch(ctx, job.IncidentID, job.Service); err != nil {
			d.logger.Error("Dispatch job failed",
				zap.Int("worker", worker),
				zap.String("incident_id", job.IncidentID),
				zap.String("service", job.Service),
				zap.String("reason", job.Reason),
				zap.Error(err))
		}
		if err := delivery.Ack(ctx); err != nil {
			d.logger.Warn("Dispatch job ack failed", zap.String("incident_id", job.IncidentID), zap.Error(err))
		}
	}
}

func pairKey(incidentID, service string) string {
	return incidentID + "|" + service
}

// buildPayload keeps the payload minimal; the medical annotation only goes to authorised services.
func buildPayload(inc *models.Incident, service string, shareMedical bool) ForwardPayload {
	p := ForwardPayload{
		IncidentID:     inc.ID,
		Reference:      inc.Reference,
		Category:       inc.Category,
		Priority:       inc.Priority,
		Status:         inc.Status,
		Location:       inc.Location,
		Description:    inc.Description,
		ReportedAt:     inc.CreatedAt,
		IdempotencyKey: inc.ID + ":" + service,
	}
	if shareMedical {
		p.MedicalAnnotation = inc.MedicalAnnotation
	}
	return p
}
