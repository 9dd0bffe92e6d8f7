package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-incident/common/keylock"
	"wisefido-incident/internal/models"
	"wisefido-incident/internal/repository"
)

// Notifier 接收已接受的状态变更
// Stage runs inside the engine transaction; Deliver runs after commit and must not fail the transition.
type Notifier interface {
	Stage(ctx context.Context, tx repository.Tx, ev *models.TransitionEvent) ([]models.NotificationEnvelope, error)
	Deliver(ctx context.Context, ev *models.TransitionEvent, envelopes []models.NotificationEnvelope)
}

// Outcome of a create or transition request.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

// CreateRequest 创建事件请求
type CreateRequest struct {
	ClientOperationID string
	ReporterID        string
	Payload           models.Payload
	SourceOrigin      models.SourceOrigin
}

// TransitionRequest 状态变更请求
// ExpectedVersion 0 means the caller did not state a base version.
type TransitionRequest struct {
	IncidentID        string
	ExpectedVersion   int64
	Action            models.Action
	Payload           models.Payload
	ActorID           string
	ClientOperationID string
	SourceOrigin      models.SourceOrigin
	Administrative    bool
}

// Result of an engine call. Incident and Entry are set for applied and duplicate;
// Current and Intended for conflict.
type Result struct {
	Outcome  Outcome
	Incident *models.Incident
	Entry    *models.AuditEntry
	Current  *models.Incident
	Intended string
}

// Engine is the only writer of incident snapshots.
type Engine struct {
	store    repository.IncidentStore
	notifier Notifier
	locks    *keylock.Mutex
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func New(store repository.IncidentStore, notifier Notifier, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateIncident records the created transition (version 1). A client operation
// id already seen on any incident returns that incident as a duplicate.
func (e *Engine) CreateIncident(ctx context.Context, req CreateRequest) (*Result, error) {
	p := req.Payload
	if strings.TrimSpace(req.ReporterID) == "" {
		return nil, models.Validationf("reporter_id is required")
	}
	if p.Category == "" {
		p.Category = models.CategoryOther
	}
	if !p.Category.Valid() {
		return nil, models.Validationf("invalid category %q", p.Category)
	}
	if p.Priority == "" {
		p.Priority = models.PriorityMedium
	}
	if !p.Priority.Valid() {
		return nil, models.Validationf("invalid priority %q", p.Priority)
	}
	if p.Location != nil {
		if err := validateLocation(*p.Location); err != nil {
			return nil, err
		}
	}
	origin := req.SourceOrigin
	if origin == "" {
		origin = models.OriginLive
	}

	if req.ClientOperationID != "" {
		unlock := e.locks.Lock("op:" + req.ClientOperationID)
		defer unlock()
		if res, err := e.duplicateCreate(ctx, e.store, req.ClientOperationID); res != nil || err != nil {
			return res, err
		}
	}

	seq, err := e.store.NextReferenceSeq(ctx)
	if err != nil {
		return nil, e.storageErr("next reference", err)
	}
	now := e.now()
	inc := &models.Incident{
		ID:         e.newID(),
		Reference:  fmt.Sprintf("INC-%d-%06d", now.Year(), seq),
		Category:   p.Category,
		Status:     models.StatusReported,
		Priority:   p.Priority,
		ReporterID: strings.TrimSpace(req.ReporterID),
		AssigneeID: p.AssigneeID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if p.Location != nil {
		inc.Location = *p.Location
	}
	if p.Description != nil {
		inc.Description = *p.Description
	}
	if p.MedicalAnnotation != nil {
		inc.MedicalAnnotation = p.MedicalAnnotation
	}
	inc = inc.Clone()

	entry := &models.AuditEntry{
		IncidentID:        inc.ID,
		Version:           1,
		ActorID:           optional(req.ReporterID),
		Action:            models.AuditCreated,
		FieldName:         models.FieldIncident,
		NewValue:          FieldValue(inc, models.FieldIncident),
		SourceOrigin:      origin,
		ClientOperationID: optional(req.ClientOperationID),
		CreatedAt:         now,
	}
	ev := &models.TransitionEvent{Incident: inc, Entry: *entry}

	unlock := e.locks.Lock(inc.ID)
	defer unlock()

	var envelopes []models.NotificationEnvelope
	err = e.store.WithinTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertIncident(ctx, inc); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		ev.Entry = *entry
		envelopes, err = e.stage(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, e.storageErr("create incident", err)
	}

	e.logger.Info("Incident created",
		zap.String("incident_id", inc.ID),
		zap.String("reference", inc.Reference),
		zap.String("category", string(inc.Category)),
		zap.String("source_origin", string(origin)))
	e.deliver(ctx, ev, envelopes)

	return &Result{Outcome: OutcomeApplied, Incident: inc.Clone(), Entry: entry}, nil
}

func (e *Engine) duplicateCreate(ctx context.Context, r repository.IncidentReader, opID string) (*Result, error) {
	prior, err := r.FindAuditByOperation(ctx, "", opID)
	if err != nil {
		return nil, e.storageErr("find operation", err)
	}
	if prior == nil {
		return nil, nil
	}
	cur, err := r.GetIncident(ctx, prior.IncidentID)
	if err != nil {
		return nil, e.storageErr("load incident", err)
	}
	return &Result{Outcome: OutcomeDuplicate, Incident: cur, Entry: prior}, nil
}

// ApplyTransition validates and applies one action under the incident's lock.
func (e *Engine) ApplyTransition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if req.IncidentID == "" {
		return nil, models.Validationf("incident_id is required")
	}
	if !Known(req.Action) {
		return nil, models.Validationf("unknown action %q", req.Action)
	}
	if req.ExpectedVersion < 0 {
		return nil, models.Validationf("expected_version must not be negative")
	}
	origin := req.SourceOrigin
	if origin == "" {
		origin = models.OriginLive
	}

	unlock := e.locks.Lock(req.IncidentID)
	defer unlock()

	var (
		res       *Result
		ev        *models.TransitionEvent
		envelopes []models.NotificationEnvelope
	)
	err := e.store.WithinTx(ctx, func(tx repository.Tx) error {
		if req.ClientOperationID != "" {
			prior, err := tx.FindAuditByOperation(ctx, req.IncidentID, req.ClientOperationID)
			if err != nil {
				return err
			}
			if prior != nil {
				cur, err := tx.GetIncident(ctx, req.IncidentID)
				if err != nil {
					return err
				}
				res = &Result{Outcome: OutcomeDuplicate, Incident: cur, Entry: prior}
				return nil
			}
		}

		cur, err := tx.GetIncident(ctx, req.IncidentID)
		if err != nil {
			return err
		}

		if origin == models.OriginOfflineReplay {
			if req.ExpectedVersion != cur.Version {
				res = &Result{Outcome: OutcomeConflict, Current: cur, Intended: IntendedValue(req.Action, req.Payload)}
				return nil
			}
		} else if req.ExpectedVersion != 0 && req.ExpectedVersion != cur.Version {
			return &models.StaleVersionError{Expected: req.ExpectedVersion, Current: cur}
		}

		if !CanApply(cur.Status, req.Action) {
			return &models.InvalidTransitionError{Current: cur.Status, Requested: req.Action}
		}
		if RequiresAdmin(req.Action) && !req.Administrative {
			return fmt.Errorf("%w: %s requires an administrative actor", models.ErrForbidden, req.Action)
		}

		next, oldVal, newVal, err := apply(cur, req.Action, req.Payload)
		if err != nil {
			return err
		}
		now := e.now()
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		if err := tx.UpdateIncident(ctx, next, cur.Version); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				// 另一个写者已提交：返回它留下的快照
				latest := cur
				if fresh, gerr := tx.GetIncident(ctx, req.IncidentID); gerr == nil {
					latest = fresh
				}
				return &models.StaleVersionError{Expected: cur.Version, Current: latest}
			}
			return err
		}
		entry := &models.AuditEntry{
			IncidentID:        next.ID,
			Version:           next.Version,
			ActorID:           optional(req.ActorID),
			Action:            rules[req.Action].tag,
			FieldName:         rules[req.Action].field,
			OldValue:          oldVal,
			NewValue:          newVal,
			SourceOrigin:      origin,
			ClientOperationID: optional(req.ClientOperationID),
			CreatedAt:         now,
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		ev = &models.TransitionEvent{Incident: next, Entry: *entry}
		if req.Action == models.ActionAssign {
			ev.PreviousAssignee = cur.Assignee()
		}
		envelopes, err = e.stage(ctx, tx, ev)
		if err != nil {
			return err
		}
		res = &Result{Outcome: OutcomeApplied, Incident: next.Clone(), Entry: entry}
		return nil
	})
	if err != nil {
		return nil, e.storageErr("apply transition", err)
	}

	if res.Outcome == OutcomeApplied {
		e.logger.Info("Transition applied",
			zap.String("incident_id", req.IncidentID),
			zap.String("action", string(req.Action)),
			zap.Int64("version", res.Incident.Version),
			zap.String("source_origin", string(origin)))
		e.deliver(ctx, ev, envelopes)
	}
	return res, nil
}

// Replay rebuilds a snapshot from the audit log.
func (e *Engine) Replay(ctx context.Context, incidentID string) (*models.Incident, error) {
	entries, err := e.store.ListAudit(ctx, incidentID)
	if err != nil {
		return nil, e.storageErr("list audit", err)
	}
	return Reconstruct(entries)
}

func (e *Engine) stage(ctx context.Context, tx repository.Tx, ev *models.TransitionEvent) ([]models.NotificationEnvelope, error) {
	if e.notifier == nil {
		return nil, nil
	}
	return e.notifier.Stage(ctx, tx, ev)
}

func (e *Engine) deliver(ctx context.Context, ev *models.TransitionEvent, envelopes []models.NotificationEnvelope) {
	if e.notifier == nil {
		return
	}
	e.notifier.Deliver(ctx, ev, envelopes)
}

// storageErr passes typed domain errors through and wraps everything else.
func (e *Engine) storageErr(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrStaleVersion),
		errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	e.logger.Error("Storage failure", zap.String("op", op), zap.Error(err))
	return &models.StorageError{Op: op, Err: err}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
