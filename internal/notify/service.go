package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-incident/internal/models"
	"wisefido-incident/internal/repository"
)

// Queue is the durable envelope store plus the transaction used by RaiseAlert.
type Queue interface {
	repository.NotificationQueue
	WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// Trigger 外部转发触发器（dispatcher 实现；只入队，不做网络 I/O）
type Trigger interface {
	OnTransition(ctx context.Context, ev *models.TransitionEvent)
}

// AlertDispatchFailed is the envelope action of dispatcher alerts.
const AlertDispatchFailed = "dispatch_failed"

type Options struct {
	Retention   time.Duration
	ReplayLimit int
	HubBuffer   int
	SinkTimeout time.Duration
}

// Service 通知扇出服务
// 1. Stage: 事务内写入持久化队列（每个订阅组一条）
// 2. Deliver: 提交后推送在线订阅者和外部通道，刷新快照缓存，触发外部转发
type Service struct {
	queue   Queue
	hub     *Hub
	cache   *SnapshotCache
	sinks   []Sink
	trigger Trigger
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

func NewService(queue Queue, hub *Hub, cache *SnapshotCache, logger *zap.Logger, opts Options, sinks ...Sink) *Service {
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 500
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 2 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	return &Service{
		queue:  queue,
		hub:    hub,
		cache:  cache,
		sinks:  sinks,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetTrigger wires the dispatcher after both sides are built.
func (s *Service) SetTrigger(t Trigger) { s.trigger = t }

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Stage(ctx context.Context, tx repository.Tx, ev *models.TransitionEvent) ([]models.NotificationEnvelope, error) {
	groups := GroupsFor(ev.Incident, ev.Entry.Action, ev.PreviousAssignee)
	payload := payloadFor(ev)
	out := make([]models.NotificationEnvelope, 0, len(groups))
	for _, g := range groups {
		env := &models.NotificationEnvelope{
			IncidentID: ev.Incident.ID,
			GroupKey:   g,
			Payload:    payload,
			CreatedAt:  ev.Entry.CreatedAt,
		}
		if err := tx.AppendEnvelope(ctx, env); err != nil {
			return nil, fmt.Errorf("stage envelope for %s: %w", g, err)
		}
		out = append(out, *env)
	}
	return out, nil
}

// Deliver runs after commit. The transition is durable by then, so a caller
// that has already given up must not cancel the cache refresh or the
// dispatch record.
func (s *Service) Deliver(ctx context.Context, ev *models.TransitionEvent, envelopes []models.NotificationEnvelope) {
	s.push(ctx, envelopes)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SinkTimeout)
	defer cancel()
	if s.cache != nil {
		if err := s.cache.Put(ctx, ev.Incident); err != nil {
			s.logger.Warn("Failed to refresh snapshot cache",
				zap.String("incident_id", ev.Incident.ID), zap.Error(err))
		}
	}

	if s.trigger != nil && (ev.Entry.Action == models.AuditCreated || ev.Entry.Action == models.AuditEscalated) {
		s.trigger.OnTransition(ctx, ev)
	}
}

// push is the live path: hub first, then every sink concurrently, each bounded by SinkTimeout.
func (s *Service) push(ctx context.Context, envelopes []models.NotificationEnvelope) {
	for _, env := range envelopes {
		s.hub.Publish(env)
	}
	if len(s.sinks) == 0 || len(envelopes) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sink := range s.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SinkTimeout)
			defer cancel()
			for _, env := range envelopes {
				if err := sink.Send(sctx, env.GroupKey, env); err != nil {
					s.logger.Warn("Notification sink failed",
						zap.String("sink", sink.Name()),
						zap.String("group_key", env.GroupKey),
						zap.Int64("seq", env.SequenceNumber),
						zap.Error(err))
				}
			}
		}(sink)
	}
	wg.Wait()
}

// ReplaySince returns envelopes of a group with sequence > lastSeq.
func (s *Service) ReplaySince(ctx context.Context, groupKey string, lastSeq int64, limit int) ([]models.NotificationEnvelope, error) {
	if !models.ValidGroupKey(groupKey) {
		return nil, models.Validationf("invalid group key %q", groupKey)
	}
	if lastSeq < 0 {
		return nil, models.Validationf("since must not be negative")
	}
	if limit <= 0 || limit > s.opts.ReplayLimit {
		limit = s.opts.ReplayLimit
	}
	envs, err := s.queue.ReplayEnvelopes(ctx, groupKey, lastSeq, limit)
	if err != nil {
		return nil, &models.StorageError{Op: "replay envelopes", Err: err}
	}
	return envs, nil
}

// Subscribe registers a live subscriber. Envelopes after lastSeq are replayed
// from the durable queue, then envelopes that arrived meanwhile, then live ones.
// ctx bounds the subscription; cancel it or call Hub().Remove to end it.
func (s *Service) Subscribe(ctx context.Context, groupKey, subscriberID string, lastSeq int64) (*Subscriber, error) {
	if !models.ValidGroupKey(groupKey) {
		return nil, models.Validationf("invalid group key %q", groupKey)
	}
	if subscriberID == "" {
		return nil, models.Validationf("subscriber_id is required")
	}
	if lastSeq < 0 {
		return nil, models.Validationf("since must not be negative")
	}

	// registering the cursor makes the subscriber known to purge
	if err := s.queue.AckEnvelopes(ctx, groupKey, subscriberID, lastSeq); err != nil {
		return nil, &models.StorageError{Op: "register subscriber", Err: err}
	}

	sub := newSubscriber(groupKey, subscriberID, lastSeq, s.opts.HubBuffer)
	s.hub.add(sub)

	go func() {
		for {
			if err := s.catchUp(ctx, sub); err != nil {
				s.logger.Warn("Subscriber replay failed",
					zap.String("group_key", groupKey),
					zap.String("subscriber_id", subscriberID),
					zap.Error(err))
				s.hub.remove(sub, err)
				return
			}
			select {
			case <-ctx.Done():
				s.hub.remove(sub, nil)
				return
			case <-sub.Done():
				return
			case <-sub.resync:
				// a live envelope skipped a sequence; replay the hole
			}
		}
	}()
	return sub, nil
}

// catchUp replays from the durable queue until the buffered live envelopes
// line up with it. A hole that a fresh replay cannot fill was purged, and
// the buffered envelopes are then delivered as they are.
func (s *Service) catchUp(ctx context.Context, sub *Subscriber) error {
	strict := true
	gapAt := int64(-1)
	for {
		if err := s.replay(ctx, sub); err != nil {
			return err
		}
		err := sub.goLive(ctx, strict)
		if !errors.Is(err, errSequenceGap) {
			return err
		}
		last := sub.LastSequence()
		if last == gapAt {
			strict = false
		}
		gapAt = last
	}
}

func (s *Service) replay(ctx context.Context, sub *Subscriber) error {
	for {
		envs, err := s.queue.ReplayEnvelopes(ctx, sub.GroupKey, sub.LastSequence(), s.opts.ReplayLimit)
		if err != nil {
			return fmt.Errorf("replay envelopes: %w", err)
		}
		for _, env := range envs {
			if err := sub.send(ctx, env); err != nil {
				return err
			}
		}
		if len(envs) < s.opts.ReplayLimit {
			return nil
		}
	}
}

func (s *Service) Ack(ctx context.Context, groupKey, subscriberID string, seq int64) error {
	if !models.ValidGroupKey(groupKey) {
		return models.Validationf("invalid group key %q", groupKey)
	}
	if subscriberID == "" {
		return models.Validationf("subscriber_id is required")
	}
	if seq < 0 {
		return models.Validationf("sequence must not be negative")
	}
	if err := s.queue.AckEnvelopes(ctx, groupKey, subscriberID, seq); err != nil {
		return &models.StorageError{Op: "ack envelopes", Err: err}
	}
	return nil
}

// Purge drops expired and fully acknowledged envelopes; scheduled by cron.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.Retention)
	n, err := s.queue.PurgeEnvelopes(ctx, cutoff)
	if err != nil {
		s.logger.Error("Envelope purge failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Envelopes purged", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RaiseAlert records a durable dashboard envelope for a failure humans must see.
func (s *Service) RaiseAlert(ctx context.Context, alert models.Alert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = s.now()
	}
	env := &models.NotificationEnvelope{
		IncidentID: alert.IncidentID,
		GroupKey:   models.DashboardGroup,
		Payload: models.EnvelopePayload{
			Action: alert.Kind,
			Data: map[string]any{
				"service":   alert.Service,
				"message":   alert.Message,
				"raised_at": alert.RaisedAt,
			},
		},
		CreatedAt: alert.RaisedAt,
	}
	err := s.queue.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.AppendEnvelope(ctx, env)
	})
	if err != nil {
		s.logger.Error("Failed to record alert",
			zap.String("incident_id", alert.IncidentID), zap.String("kind", alert.Kind), zap.Error(err))
		return err
	}
	s.logger.Error("Alert raised",
		zap.String("incident_id", alert.IncidentID),
		zap.String("kind", alert.Kind),
		zap.String("service", alert.Service),
		zap.String("message", alert.Message))
	s.push(ctx, []models.NotificationEnvelope{*env})
	return nil
}

// CachedSnapshot returns ErrMiss when no cache is configured or the entry is absent.
func (s *Service) CachedSnapshot(ctx context.Context, incidentID string) (*models.Incident, error) {
	if s.cache == nil {
		return nil, ErrMiss
	}
	inc, err := s.cache.Get(ctx, incidentID)
	if err != nil && !errors.Is(err, ErrMiss) {
		s.logger.Warn("Snapshot cache read failed", zap.String("incident_id", incidentID), zap.Error(err))
		return nil, ErrMiss
	}
	return inc, err
}

func payloadFor(ev *models.TransitionEvent) models.EnvelopePayload {
	inc := ev.Incident
	data := map[string]any{
		"incident_id": inc.ID,
		"reference":   inc.Reference,
		"version":     inc.Version,
		"category":    inc.Category,
		"priority":    inc.Priority,
	}
	if a := inc.Assignee(); a != "" {
		data["assignee_id"] = a
	}
	switch ev.Entry.FieldName {
	case models.FieldIncident, models.FieldMedicalAnnotation:
		// snapshot and ciphertext stay out of push payloads
	default:
		data["field"] = ev.Entry.FieldName
		data["old_value"] = ev.Entry.OldValue
		data["new_value"] = ev.Entry.NewValue
	}
	return models.EnvelopePayload{Status: inc.Status, Action: ev.Entry.Action, Data: data}
}
