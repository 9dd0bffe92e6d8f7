package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-incident/internal/engine"
	"wisefido-incident/internal/models"
	"wisefido-incident/internal/repository"
)

// Applier is the engine surface used for replay.
type Applier interface {
	CreateIncident(ctx context.Context, req engine.CreateRequest) (*engine.Result, error)
	ApplyTransition(ctx context.Context, req engine.TransitionRequest) (*engine.Result, error)
}

type Options struct {
	OperationTimeout time.Duration
	MaxBatchSize     int
}

// maxRebase bounds how often a resolved operation is retried when the
// incident keeps moving underneath it.
const maxRebase = 3

// Service 离线回放服务
// 按客户端记录顺序逐条回放，经引擎写入（source_origin = offline-replay），
// 冲突按确定性策略解决，每条操作都有唯一结果并写入审计。
type Service struct {
	engine Applier
	store  repository.IncidentStore
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

func NewService(applier Applier, store repository.IncidentStore, logger *zap.Logger, opts Options) *Service {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 200
	}
	return &Service{
		engine: applier,
		store:  store,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// batch carries per-call state.
type batch struct {
	deviceID string
	created  map[string]string // client_operation_id of a create -> incident id
	diverged map[string]bool   // incidents whose later operations have an unknown base
}

// SubmitBatch replays ops in the given order and returns one outcome per op.
// A storage failure stops the batch; the outcomes so far are returned with the
// error and the device resubmits the whole batch.
func (s *Service) SubmitBatch(ctx context.Context, deviceID string, ops []models.OfflineOperation) ([]models.OutcomeRecord, error) {
	if deviceID == "" {
		return nil, models.Validationf("device_id is required")
	}
	if len(ops) > s.opts.MaxBatchSize {
		return nil, models.Validationf("batch of %d operations exceeds limit %d", len(ops), s.opts.MaxBatchSize)
	}

	b := &batch{deviceID: deviceID, created: map[string]string{}, diverged: map[string]bool{}}
	submitted := s.now()
	out := make([]models.OutcomeRecord, 0, len(ops))
	counts := map[models.SyncOutcome]int{}

	for i := range ops {
		op := ops[i]
		op.SubmittedAt = submitted
		if op.DeviceID == "" {
			op.DeviceID = deviceID
		}

		rec, err := s.replayOne(ctx, b, &op)
		if err != nil {
			s.logger.Error("Offline batch aborted",
				zap.String("device_id", deviceID),
				zap.String("client_operation_id", op.ClientOperationID),
				zap.Int("processed", len(out)),
				zap.Error(err))
			return out, err
		}
		counts[rec.Outcome]++
		out = append(out, rec)
	}

	s.logger.Info("Offline batch replayed",
		zap.String("device_id", deviceID),
		zap.Int("operations", len(ops)),
		zap.Int("applied", counts[models.OutcomeApplied]),
		zap.Int("already_applied", counts[models.OutcomeAlreadyApplied]),
		zap.Int("superseded", counts[models.OutcomeSuperseded]),
		zap.Int("rebased", counts[models.OutcomeAppliedWithRebase]),
		zap.Int("rejected", counts[models.OutcomeRejected]),
		zap.Int("timeout", counts[models.OutcomeTimeout]))
	return out, nil
}

func (s *Service) replayOne(parent context.Context, b *batch, op *models.OfflineOperation) (models.OutcomeRecord, error) {
	rec := models.OutcomeRecord{ClientOperationID: op.ClientOperationID}
	if parent.Err() != nil {
		rec.Outcome = models.OutcomeTimeout
		return rec, nil
	}
	if reason := validate(b, op); reason != "" {
		rec.Outcome, rec.Reason = models.OutcomeRejected, reason
		return rec, nil
	}

	ctx, cancel := context.WithTimeout(parent, s.opts.OperationTimeout)
	defer cancel()

	rec, err := s.resolveOp(ctx, b, op)
	if err == nil {
		return rec, nil
	}
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		if rec.IncidentID != "" {
			b.diverged[rec.IncidentID] = true
		}
		s.logger.Warn("Offline operation timed out",
			zap.String("client_operation_id", op.ClientOperationID),
			zap.Duration("timeout", s.opts.OperationTimeout))
		return models.OutcomeRecord{ClientOperationID: op.ClientOperationID, IncidentID: rec.IncidentID, Outcome: models.OutcomeTimeout}, nil
	case errors.Is(err, models.ErrStorage):
		return rec, err
	}
	return rec, fmt.Errorf("replay %s: %w", op.ClientOperationID, err)
}

func validate(b *batch, op *models.OfflineOperation) string {
	switch {
	case op.ClientOperationID == "":
		return "client_operation_id is required"
	case op.DeviceID != b.deviceID:
		return fmt.Sprintf("operation belongs to device %q", op.DeviceID)
	case op.IncidentID == "":
		return "incident_id is required"
	case op.IncidentID == models.NewIncidentRef && op.OperationType != models.ActionCreate:
		return fmt.Sprintf("%s needs an existing incident", op.OperationType)
	case op.OperationType == models.ActionCreate && op.IncidentID != models.NewIncidentRef:
		return "create must reference incident \"new\""
	case op.OperationType != models.ActionCreate && !engine.Known(op.OperationType):
		return fmt.Sprintf("unknown operation type %q", op.OperationType)
	case op.ExpectedVersion < 0:
		return "expected_version must not be negative"
	}
	return ""
}

// resolveOp returns a terminal record, or an error for storage failures and timeouts.
func (s *Service) resolveOp(ctx context.Context, b *batch, op *models.OfflineOperation) (models.OutcomeRecord, error) {
	rec := models.OutcomeRecord{ClientOperationID: op.ClientOperationID}

	prior, err := s.store.FindAuditByOperation(ctx, "", op.ClientOperationID)
	if err != nil {
		return rec, storageErr("find operation", err)
	}
	if prior != nil {
		if prior.Action == models.AuditCreated {
			b.created[op.ClientOperationID] = prior.IncidentID
		}
		return s.finish(ctx, op, prior.IncidentID, models.OutcomeAlreadyApplied, "", nil)
	}

	if op.OperationType == models.ActionCreate {
		return s.create(ctx, b, op)
	}

	incidentID, err := s.resolveIncident(ctx, b, op.IncidentID)
	if err != nil {
		return rec, err
	}
	if incidentID == "" {
		rec.Outcome, rec.Reason = models.OutcomeRejected, fmt.Sprintf("unknown incident %q", op.IncidentID)
		return rec, nil
	}
	rec.IncidentID = incidentID

	if b.diverged[incidentID] {
		cur, err := s.store.GetIncident(ctx, incidentID)
		if err != nil {
			return rec, storageErr("load incident", err)
		}
		return s.resolveConflict(ctx, b, op, cur)
	}

	res, err := s.engine.ApplyTransition(ctx, s.request(op, incidentID, op.ExpectedVersion))
	if err != nil {
		return s.rejectOrFail(ctx, b, op, incidentID, err)
	}
	switch res.Outcome {
	case engine.OutcomeApplied:
		return s.finish(ctx, op, incidentID, models.OutcomeApplied, "", res.Incident)
	case engine.OutcomeDuplicate:
		return s.finish(ctx, op, incidentID, models.OutcomeAlreadyApplied, "", res.Incident)
	}
	b.diverged[incidentID] = true
	return s.resolveConflict(ctx, b, op, res.Current)
}

func (s *Service) create(ctx context.Context, b *batch, op *models.OfflineOperation) (models.OutcomeRecord, error) {
	res, err := s.engine.CreateIncident(ctx, engine.CreateRequest{
		ClientOperationID: op.ClientOperationID,
		ReporterID:        actorOf(op),
		Payload:           op.Payload,
		SourceOrigin:      models.OriginOfflineReplay,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return models.OutcomeRecord{
				ClientOperationID: op.ClientOperationID,
				Outcome:           models.OutcomeRejected,
				Reason:            err.Error(),
			}, nil
		}
		return models.OutcomeRecord{ClientOperationID: op.ClientOperationID}, err
	}
	b.created[op.ClientOperationID] = res.Incident.ID
	outcome := models.OutcomeApplied
	if res.Outcome == engine.OutcomeDuplicate {
		outcome = models.OutcomeAlreadyApplied
	}
	return s.finish(ctx, op, res.Incident.ID, outcome, "", res.Incident)
}

// resolveIncident maps an incident id or the client_operation_id of an earlier
// create to the server incident id; "" when nothing matches.
func (s *Service) resolveIncident(ctx context.Context, b *batch, ref string) (string, error) {
	if id, ok := b.created[ref]; ok {
		return id, nil
	}
	_, err := s.store.GetIncident(ctx, ref)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", storageErr("load incident", err)
	}
	prior, err := s.store.FindAuditByOperation(ctx, "", ref)
	if err != nil {
		return "", storageErr("find operation", err)
	}
	if prior != nil && prior.Action == models.AuditCreated {
		b.created[ref] = prior.IncidentID
		return prior.IncidentID, nil
	}
	return "", nil
}

// resolveConflict applies the offline conflict policy against the server's
// current snapshot. Winning operations are rebased onto the current version.
func (s *Service) resolveConflict(ctx context.Context, b *batch, op *models.OfflineOperation, cur *models.Incident) (models.OutcomeRecord, error) {
	for attempt := 0; attempt < maxRebase; attempt++ {
		wins, reason, err := s.deviceWins(ctx, op, cur)
		if err != nil {
			return models.OutcomeRecord{ClientOperationID: op.ClientOperationID, IncidentID: cur.ID}, err
		}
		if !wins {
			return s.finish(ctx, op, cur.ID, models.OutcomeSuperseded, reason, cur)
		}

		res, err := s.engine.ApplyTransition(ctx, s.request(op, cur.ID, cur.Version))
		if err != nil {
			return s.rejectOrFail(ctx, b, op, cur.ID, err)
		}
		switch res.Outcome {
		case engine.OutcomeApplied:
			return s.finish(ctx, op, cur.ID, models.OutcomeAppliedWithRebase, "", res.Incident)
		case engine.OutcomeDuplicate:
			return s.finish(ctx, op, cur.ID, models.OutcomeAlreadyApplied, "", res.Incident)
		}
		cur = res.Current
	}
	return s.finish(ctx, op, cur.ID, models.OutcomeRejected, "incident changed concurrently, resubmit", cur)
}

// deviceWins decides a conflicting operation:
//   - status changes win only when they move further along the status rank;
//   - prioritize wins only when it raises priority;
//   - field edits are last-writer-wins by capture time against the newest server change of the field.
func (s *Service) deviceWins(ctx context.Context, op *models.OfflineOperation, cur *models.Incident) (bool, string, error) {
	if target, ok := engine.TargetStatus(op.OperationType); ok {
		if target.Rank() <= cur.Status.Rank() {
			return false, fmt.Sprintf("server status %s is at or beyond %s", cur.Status, target), nil
		}
		return true, "", nil
	}

	if op.OperationType == models.ActionPrioritize {
		if op.Payload.Priority.Level() <= cur.Priority.Level() {
			return false, fmt.Sprintf("server priority %s is not lower than %s", cur.Priority, op.Payload.Priority), nil
		}
		return true, "", nil
	}

	last, err := s.lastFieldChange(ctx, cur.ID, engine.FieldOf(op.OperationType))
	if err != nil {
		return false, "", err
	}
	if last != nil && !op.CapturedAt.After(last.CreatedAt) {
		return false, fmt.Sprintf("server changed %s at %s", last.FieldName, last.CreatedAt.Format(time.RFC3339)), nil
	}
	return true, "", nil
}

func (s *Service) lastFieldChange(ctx context.Context, incidentID, field string) (*models.AuditEntry, error) {
	entries, err := s.store.ListAudit(ctx, incidentID)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].IsTransition() && entries[i].FieldName == field {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (s *Service) rejectOrFail(ctx context.Context, b *batch, op *models.OfflineOperation, incidentID string, err error) (models.OutcomeRecord, error) {
	switch {
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrStaleVersion):
		b.diverged[incidentID] = true
		cur, gerr := s.store.GetIncident(ctx, incidentID)
		if gerr != nil {
			return models.OutcomeRecord{ClientOperationID: op.ClientOperationID, IncidentID: incidentID}, storageErr("load incident", gerr)
		}
		return s.finish(ctx, op, incidentID, models.OutcomeRejected, err.Error(), cur)
	case errors.Is(err, models.ErrNotFound):
		return models.OutcomeRecord{
			ClientOperationID: op.ClientOperationID,
			Outcome:           models.OutcomeRejected,
			Reason:            err.Error(),
		}, nil
	}
	return models.OutcomeRecord{ClientOperationID: op.ClientOperationID, IncidentID: incidentID}, err
}

// finish records the outcome as a version-0 audit entry and builds the record.
func (s *Service) finish(ctx context.Context, op *models.OfflineOperation, incidentID string, outcome models.SyncOutcome, reason string, inc *models.Incident) (models.OutcomeRecord, error) {
	rec := models.OutcomeRecord{
		ClientOperationID: op.ClientOperationID,
		IncidentID:        incidentID,
		Outcome:           outcome,
		Reason:            reason,
	}
	if inc == nil {
		cur, err := s.store.GetIncident(ctx, incidentID)
		if err != nil {
			return rec, storageErr("load incident", err)
		}
		inc = cur
	}
	rec.Incident = inc
	rec.Version = inc.Version

	actor, opID := actorOf(op), op.ClientOperationID
	entry := &models.AuditEntry{
		IncidentID:        incidentID,
		Version:           0,
		ActorID:           &actor,
		Action:            models.AuditSyncPrefix + string(outcome),
		FieldName:         engine.FieldOf(op.OperationType),
		SourceOrigin:      models.OriginOfflineReplay,
		ClientOperationID: &opID,
		CreatedAt:         s.now(),
	}
	// server value vs what the device intended; the create snapshot is already in its created entry
	if op.OperationType != models.ActionCreate {
		entry.OldValue = engine.FieldValue(inc, entry.FieldName)
		entry.NewValue = engine.IntendedValue(op.OperationType, op.Payload)
	}
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		return rec, storageErr("record sync outcome", err)
	}

	s.logger.Debug("Offline operation resolved",
		zap.String("client_operation_id", op.ClientOperationID),
		zap.String("incident_id", incidentID),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason))
	return rec, nil
}

func (s *Service) request(op *models.OfflineOperation, incidentID string, expected int64) engine.TransitionRequest {
	return engine.TransitionRequest{
		IncidentID:        incidentID,
		ExpectedVersion:   expected,
		Action:            op.OperationType,
		Payload:           op.Payload,
		ActorID:           actorOf(op),
		ClientOperationID: op.ClientOperationID,
		SourceOrigin:      models.OriginOfflineReplay,
	}
}

func actorOf(op *models.OfflineOperation) string {
	if op.ActorID != "" {
		return op.ActorID
	}
	return op.DeviceID
}

func storageErr(op string, err error) error {
	if errors.Is(err, models.ErrStorage) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &models.StorageError{Op: op, Err: err}
}
