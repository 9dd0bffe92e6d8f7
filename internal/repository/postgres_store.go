package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-incident/internal/models"
)

// PostgresStore 事件存储 PostgreSQL 实现
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// 确保实现了接口
var _ Store = (*PostgresStore)(nil)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const incidentColumns = `incident_id, reference, category, status, priority, reporter_id, assignee_id,
	location, description, medical_annotation, created_at, updated_at, version`

const auditColumns = `seq, incident_id, version, actor_id, action, field_name, old_value, new_value,
	source_origin, client_operation_id, created_at`

func (s *PostgresStore) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	return getIncident(ctx, s.db, incidentID, false)
}

func (s *PostgresStore) FindAuditByOperation(ctx context.Context, incidentID, clientOperationID string) (*models.AuditEntry, error) {
	return findAuditByOperation(ctx, s.db, incidentID, clientOperationID)
}

func (s *PostgresStore) ListAudit(ctx context.Context, incidentID string) ([]models.AuditEntry, error) {
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM incident_audit WHERE incident_id = $1 ORDER BY seq`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := []models.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NextReferenceSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('incident_reference_seq')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("next reference: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

// GetIncident locks the row for the rest of the transaction.
func (t *postgresTx) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	return getIncident(ctx, t.tx, incidentID, true)
}

func (t *postgresTx) FindAuditByOperation(ctx context.Context, incidentID, clientOperationID string) (*models.AuditEntry, error) {
	return findAuditByOperation(ctx, t.tx, incidentID, clientOperationID)
}

func (t *postgresTx) InsertIncident(ctx context.Context, inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("incident id is required")
	}
	loc, medical, err := encodeIncidentJSON(inc)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inc.ID, inc.Reference, string(inc.Category), string(inc.Status), string(inc.Priority), inc.ReporterID,
		nullString(inc.AssigneeID), loc, inc.Description, medical, inc.CreatedAt, inc.UpdatedAt, inc.Version)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateIncident(ctx context.Context, inc *models.Incident, expectedVersion int64) error {
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("incident id is required")
	}
	loc, medical, err := encodeIncidentJSON(inc)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE incidents
		SET category = $2, status = $3, priority = $4, assignee_id = $5, location = $6,
		    description = $7, medical_annotation = $8, updated_at = $9, version = $10
		WHERE incident_id = $1 AND version = $11`,
		inc.ID, string(inc.Category), string(inc.Status), string(inc.Priority), nullString(inc.AssigneeID),
		loc, inc.Description, medical, inc.UpdatedAt, inc.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

func (t *postgresTx) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.IncidentID == "" {
		return fmt.Errorf("incident_id is required")
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO incident_audit (incident_id, version, actor_id, action, field_name, old_value, new_value,
			source_origin, client_operation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		entry.IncidentID, entry.Version, nullString(entry.ActorID), entry.Action, entry.FieldName,
		entry.OldValue, entry.NewValue, string(entry.SourceOrigin), nullString(entry.ClientOperationID), entry.CreatedAt,
	).Scan(&entry.Sequence)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (t *postgresTx) AppendEnvelope(ctx context.Context, env *models.NotificationEnvelope) error {
	if env.GroupKey == "" {
		return fmt.Errorf("group_key is required")
	}
	// the upsert takes a row lock on the group counter: one writer per group
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO notification_group_seq (group_key, last_seq) VALUES ($1, 1)
		ON CONFLICT (group_key) DO UPDATE SET last_seq = notification_group_seq.last_seq + 1
		RETURNING last_seq`, env.GroupKey).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next envelope sequence: %w", err)
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal envelope payload: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO notification_envelopes (group_key, seq, incident_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		env.GroupKey, seq, env.IncidentID, string(payload), env.CreatedAt); err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	env.SequenceNumber = seq
	return nil
}

// ---- notification queue ----

func (s *PostgresStore) ReplayEnvelopes(ctx context.Context, groupKey string, afterSeq int64, limit int) ([]models.NotificationEnvelope, error) {
	if groupKey == "" {
		return nil, fmt.Errorf("group_key is required")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_key, seq, incident_id, payload, created_at
		FROM notification_envelopes
		WHERE group_key = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, groupKey, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("replay envelopes: %w", err)
	}
	defer rows.Close()

	out := []models.NotificationEnvelope{}
	for rows.Next() {
		var env models.NotificationEnvelope
		var payload []byte
		if err := rows.Scan(&env.GroupKey, &env.SequenceNumber, &env.IncidentID, &payload, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		if err := json.Unmarshal(payload, &env.Payload); err != nil {
			return nil, fmt.Errorf("decode envelope payload: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AckEnvelopes(ctx context.Context, groupKey, subscriberID string, seq int64) error {
	if groupKey == "" || subscriberID == "" {
		return fmt.Errorf("group_key and subscriber_id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_acks (group_key, subscriber_id, acked_seq, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_key, subscriber_id)
		DO UPDATE SET acked_seq = GREATEST(notification_acks.acked_seq, EXCLUDED.acked_seq),
		              updated_at = EXCLUDED.updated_at`,
		groupKey, subscriberID, seq, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ack envelopes: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeEnvelopes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_envelopes e
		WHERE e.created_at < $1
		   OR e.seq <= (SELECT MIN(a.acked_seq) FROM notification_acks a WHERE a.group_key = e.group_key)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge envelopes: %w", err)
	}
	return res.RowsAffected()
}

// ---- integration records ----

const integrationColumns = `incident_id, external_service, external_reference_id, status, attempt_count,
	last_attempt_at, next_retry_at, last_error, created_at, updated_at`

func (s *PostgresStore) GetActiveIntegration(ctx context.Context, incidentID, service string) (*models.IntegrationRecord, error) {
	if incidentID == "" || service == "" {
		return nil, fmt.Errorf("incident_id and external_service are required")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+integrationColumns+` FROM integration_records
		WHERE incident_id = $1 AND external_service = $2 AND status <> 'failed'`, incidentID, service)
	rec, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) SaveIntegration(ctx context.Context, rec *models.IntegrationRecord) error {
	if rec.IncidentID == "" || rec.ExternalService == "" {
		return fmt.Errorf("incident_id and external_service are required")
	}
	if rec.Status == models.IntegrationFailed {
		// failed 行不在部分唯一索引内，ON CONFLICT 匹配不到，必须显式更新活动行
		res, err := s.db.ExecContext(ctx, `
			UPDATE integration_records
			SET external_reference_id = $3, status = $4, attempt_count = $5, last_attempt_at = $6,
			    next_retry_at = $7, last_error = $8, updated_at = $9
			WHERE incident_id = $1 AND external_service = $2 AND status <> 'failed'`,
			rec.IncidentID, rec.ExternalService, nullString(rec.ExternalReferenceID), string(rec.Status),
			rec.AttemptCount, nullTime(rec.LastAttemptAt), nullTime(rec.NextRetryAt), rec.LastError, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("fail integration record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail integration record: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_records (`+integrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (incident_id, external_service) WHERE status <> 'failed'
		DO UPDATE SET external_reference_id = EXCLUDED.external_reference_id,
		              status = EXCLUDED.status,
		              attempt_count = EXCLUDED.attempt_count,
		              last_attempt_at = EXCLUDED.last_attempt_at,
		              next_retry_at = EXCLUDED.next_retry_at,
		              last_error = EXCLUDED.last_error,
		              updated_at = EXCLUDED.updated_at`,
		rec.IncidentID, rec.ExternalService, nullString(rec.ExternalReferenceID), string(rec.Status), rec.AttemptCount,
		nullTime(rec.LastAttemptAt), nullTime(rec.NextRetryAt), rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save integration record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueIntegrations(ctx context.Context, now time.Time, limit int) ([]models.IntegrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listIntegrations(ctx, `
		SELECT `+integrationColumns+` FROM integration_records
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) ListIntegrations(ctx context.Context, incidentID string) ([]models.IntegrationRecord, error) {
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}
	return s.listIntegrations(ctx, `
		SELECT `+integrationColumns+` FROM integration_records
		WHERE incident_id = $1
		ORDER BY created_at, id`, incidentID)
}

func (s *PostgresStore) listIntegrations(ctx context.Context, query string, args ...any) ([]models.IntegrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list integration records: %w", err)
	}
	defer rows.Close()

	out := []models.IntegrationRecord{}
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func getIncident(ctx context.Context, q queryer, incidentID string, forUpdate bool) (*models.Incident, error) {
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE incident_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		inc               models.Incident
		category, status  string
		priority          string
		assignee          sql.NullString
		location, medical []byte
	)
	err := q.QueryRowContext(ctx, query, incidentID).Scan(
		&inc.ID, &inc.Reference, &category, &status, &priority, &inc.ReporterID, &assignee,
		&location, &inc.Description, &medical, &inc.CreatedAt, &inc.UpdatedAt, &inc.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	inc.Category = models.Category(category)
	inc.Status = models.Status(status)
	inc.Priority = models.Priority(priority)
	if assignee.Valid {
		inc.AssigneeID = &assignee.String
	}
	if len(location) > 0 {
		if err := json.Unmarshal(location, &inc.Location); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
	}
	if len(medical) > 0 {
		inc.MedicalAnnotation = &models.MedicalAnnotation{}
		if err := json.Unmarshal(medical, inc.MedicalAnnotation); err != nil {
			return nil, fmt.Errorf("decode medical annotation: %w", err)
		}
	}
	return &inc, nil
}

func findAuditByOperation(ctx context.Context, q queryer, incidentID, opID string) (*models.AuditEntry, error) {
	if opID == "" {
		return nil, nil
	}
	query := `SELECT ` + auditColumns + ` FROM incident_audit WHERE client_operation_id = $1`
	args := []any{opID}
	if incidentID != "" {
		query += ` AND incident_id = $2`
		args = append(args, incidentID)
	}
	query += ` ORDER BY seq LIMIT 1`

	e, err := scanAudit(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanAudit(row rowScanner) (*models.AuditEntry, error) {
	var (
		e           models.AuditEntry
		actor, opID sql.NullString
		origin      string
	)
	err := row.Scan(&e.Sequence, &e.IncidentID, &e.Version, &actor, &e.Action, &e.FieldName,
		&e.OldValue, &e.NewValue, &origin, &opID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	e.SourceOrigin = models.SourceOrigin(origin)
	if actor.Valid {
		e.ActorID = &actor.String
	}
	if opID.Valid {
		e.ClientOperationID = &opID.String
	}
	return &e, nil
}

func scanIntegration(row rowScanner) (*models.IntegrationRecord, error) {
	var (
		rec                  models.IntegrationRecord
		ref                  sql.NullString
		status               string
		lastAttempt, nextTry sql.NullTime
	)
	err := row.Scan(&rec.IncidentID, &rec.ExternalService, &ref, &status, &rec.AttemptCount,
		&lastAttempt, &nextTry, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan integration record: %w", err)
	}
	rec.Status = models.IntegrationStatus(status)
	if ref.Valid {
		rec.ExternalReferenceID = &ref.String
	}
	if lastAttempt.Valid {
		rec.LastAttemptAt = &lastAttempt.Time
	}
	if nextTry.Valid {
		rec.NextRetryAt = &nextTry.Time
	}
	return &rec, nil
}

// encodeIncidentJSON renders the JSONB columns as text parameters.
func encodeIncidentJSON(inc *models.Incident) (location string, medical sql.NullString, err error) {
	b, err := json.Marshal(inc.Location)
	if err != nil {
		return "", medical, fmt.Errorf("marshal location: %w", err)
	}
	if inc.MedicalAnnotation != nil {
		m, err := json.Marshal(inc.MedicalAnnotation)
		if err != nil {
			return "", medical, fmt.Errorf("marshal medical annotation: %w", err)
		}
		medical = sql.NullString{String: string(m), Valid: true}
	}
	return string(b), medical, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
