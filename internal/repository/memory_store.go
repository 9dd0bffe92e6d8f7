package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wisefido-incident/internal/models"
)

// MemoryStore: 用于 DB 未就绪时的本地联调和测试
// - 所有事务串行执行（整个事务期间持有同一把锁）
// - 事务内的写入先暂存，fn 返回 nil 后才落到 store
type MemoryStore struct {
	mu sync.Mutex

	incidents map[string]*models.Incident
	audit     []models.AuditEntry
	auditSeq  int64
	refSeq    int64

	envelopes map[string][]models.NotificationEnvelope // groupKey -> ordered by seq
	groupSeq  map[string]int64
	acks      map[string]map[string]int64 // groupKey -> subscriberID -> acked seq

	integrations []models.IntegrationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: map[string]*models.Incident{},
		envelopes: map[string][]models.NotificationEnvelope{},
		groupSeq:  map[string]int64{},
		acks:      map[string]map[string]int64{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetIncident(_ context.Context, incidentID string) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIncident(incidentID)
}

func (s *MemoryStore) getIncident(incidentID string) (*models.Incident, error) {
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return inc.Clone(), nil
}

func (s *MemoryStore) FindAuditByOperation(_ context.Context, incidentID, clientOperationID string) (*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findByOperation(s.audit, incidentID, clientOperationID), nil
}

func findByOperation(entries []models.AuditEntry, incidentID, opID string) *models.AuditEntry {
	if opID == "" {
		return nil
	}
	for i := range entries {
		e := entries[i]
		if e.ClientOperationID == nil || *e.ClientOperationID != opID {
			continue
		}
		if incidentID != "" && e.IncidentID != incidentID {
			continue
		}
		return &e
	}
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, incidentID string) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.AuditEntry{}
	for _, e := range s.audit {
		if e.IncidentID == incidentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) NextReferenceSeq(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refSeq++
	return s.refSeq, nil
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:         s,
		incidents: map[string]*models.Incident{},
		groupSeq:  map[string]int64{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memoryTx struct {
	s *MemoryStore

	incidents map[string]*models.Incident
	audit     []models.AuditEntry
	envelopes []models.NotificationEnvelope
	groupSeq  map[string]int64
}

func (t *memoryTx) GetIncident(_ context.Context, incidentID string) (*models.Incident, error) {
	if inc, ok := t.incidents[incidentID]; ok {
		return inc.Clone(), nil
	}
	return t.s.getIncident(incidentID)
}

func (t *memoryTx) FindAuditByOperation(_ context.Context, incidentID, clientOperationID string) (*models.AuditEntry, error) {
	if e := findByOperation(t.s.audit, incidentID, clientOperationID); e != nil {
		return e, nil
	}
	return findByOperation(t.audit, incidentID, clientOperationID), nil
}

func (t *memoryTx) InsertIncident(_ context.Context, inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return errors.New("incident id is required")
	}
	if _, ok := t.incidents[inc.ID]; ok {
		return models.ErrVersionConflict
	}
	if _, ok := t.s.incidents[inc.ID]; ok {
		return models.ErrVersionConflict
	}
	t.incidents[inc.ID] = inc.Clone()
	return nil
}

func (t *memoryTx) UpdateIncident(ctx context.Context, inc *models.Incident, expectedVersion int64) error {
	if inc == nil || inc.ID == "" {
		return errors.New("incident id is required")
	}
	cur, err := t.GetIncident(ctx, inc.ID)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	t.incidents[inc.ID] = inc.Clone()
	return nil
}

func (t *memoryTx) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	if entry.IncidentID == "" {
		return errors.New("incident_id is required")
	}
	if entry.Version > 0 {
		for _, list := range [][]models.AuditEntry{t.s.audit, t.audit} {
			for _, e := range list {
				if e.IncidentID == entry.IncidentID && e.Version == entry.Version {
					return models.ErrVersionConflict
				}
			}
		}
	}
	entry.Sequence = t.s.auditSeq + int64(len(t.audit)) + 1
	t.audit = append(t.audit, *entry)
	return nil
}

func (t *memoryTx) AppendEnvelope(_ context.Context, env *models.NotificationEnvelope) error {
	if env.GroupKey == "" {
		return errors.New("group_key is required")
	}
	last, ok := t.groupSeq[env.GroupKey]
	if !ok {
		last = t.s.groupSeq[env.GroupKey]
	}
	env.SequenceNumber = last + 1
	t.groupSeq[env.GroupKey] = env.SequenceNumber
	t.envelopes = append(t.envelopes, *env)
	return nil
}

func (t *memoryTx) commit() {
	s := t.s
	for id, inc := range t.incidents {
		s.incidents[id] = inc
	}
	s.audit = append(s.audit, t.audit...)
	s.auditSeq += int64(len(t.audit))
	for _, env := range t.envelopes {
		s.envelopes[env.GroupKey] = append(s.envelopes[env.GroupKey], env)
	}
	for k, v := range t.groupSeq {
		s.groupSeq[k] = v
	}
}

// ---- notification queue ----

func (s *MemoryStore) ReplayEnvelopes(_ context.Context, groupKey string, afterSeq int64, limit int) ([]models.NotificationEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.envelopes[groupKey]
	i := sort.Search(len(list), func(i int) bool { return list[i].SequenceNumber > afterSeq })
	out := []models.NotificationEnvelope{}
	for ; i < len(list); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, list[i])
	}
	return out, nil
}

func (s *MemoryStore) AckEnvelopes(_ context.Context, groupKey, subscriberID string, seq int64) error {
	if groupKey == "" || subscriberID == "" {
		return errors.New("group_key and subscriber_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acks[groupKey] == nil {
		s.acks[groupKey] = map[string]int64{}
	}
	if cur, ok := s.acks[groupKey][subscriberID]; !ok || seq > cur {
		s.acks[groupKey][subscriberID] = seq
	}
	return nil
}

func (s *MemoryStore) PurgeEnvelopes(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for group, list := range s.envelopes {
		minAck, hasSubs := int64(0), false
		for _, acked := range s.acks[group] {
			if !hasSubs || acked < minAck {
				minAck = acked
			}
			hasSubs = true
		}
		kept := list[:0]
		for _, env := range list {
			if env.CreatedAt.Before(cutoff) || (hasSubs && env.SequenceNumber <= minAck) {
				purged++
				continue
			}
			kept = append(kept, env)
		}
		s.envelopes[group] = kept
	}
	return purged, nil
}

// ---- integration records ----

func (s *MemoryStore) GetActiveIntegration(_ context.Context, incidentID, service string) (*models.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.activeIntegration(incidentID, service); i >= 0 {
		rec := s.integrations[i]
		return &rec, nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) activeIntegration(incidentID, service string) int {
	for i, r := range s.integrations {
		if r.IncidentID == incidentID && r.ExternalService == service && r.Status != models.IntegrationFailed {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) SaveIntegration(_ context.Context, rec *models.IntegrationRecord) error {
	if rec.IncidentID == "" || rec.ExternalService == "" {
		return errors.New("incident_id and external_service are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.activeIntegration(rec.IncidentID, rec.ExternalService); i >= 0 {
		rec.CreatedAt = s.integrations[i].CreatedAt
		s.integrations[i] = *rec
		return nil
	}
	s.integrations = append(s.integrations, *rec)
	return nil
}

func (s *MemoryStore) ListDueIntegrations(_ context.Context, now time.Time, limit int) ([]models.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.IntegrationRecord{}
	for _, r := range s.integrations {
		if r.Status != models.IntegrationPending || r.NextRetryAt == nil || r.NextRetryAt.After(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListIntegrations(_ context.Context, incidentID string) ([]models.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.IntegrationRecord{}
	for _, r := range s.integrations {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
	}
	return out, nil
}
