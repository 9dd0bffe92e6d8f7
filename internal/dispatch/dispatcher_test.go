package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-incident/internal/models"
	"wisefido-incident/internal/repository"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	dup      bool
	payloads []ForwardPayload
}

func (f *fakeClient) Forward(_ context.Context, p ForwardPayload) (*ForwardResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.payloads = append(f.payloads, p)
	if f.fail {
		return nil, errors.New("connection refused")
	}
	if f.dup {
		return &ForwardResult{Accepted: true, Duplicate: true}, nil
	}
	return &ForwardResult{Accepted: true, ReferenceID: "EMS-7"}, nil
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (f *fakeAlerts) RaiseAlert(_ context.Context, a models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store  *repository.MemoryStore
	queue  *MemoryQueue
	client *fakeClient
	alerts *fakeAlerts
	clock  *clock
	d      *Dispatcher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		queue:  NewMemoryQueue(16),
		client: &fakeClient{},
		alerts: &fakeAlerts{},
		clock:  &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	policy := &Policy{Services: []ServicePolicy{{
		Name:         "city-ems",
		Kind:         KindLog,
		Categories:   []models.Category{models.CategoryMedical},
		MinPriority:  models.PriorityHigh,
		ShareMedical: true,
	}}}
	f.d = New(f.store, f.queue, Registry{"city-ems": f.client}, policy, f.alerts, zap.NewNop(), opts,
		WithClock(f.clock.now), WithJitter(func() float64 { return 0.5 }))
	return f
}

func (f *fixture) seed(t *testing.T, inc *models.Incident) *models.Incident {
	t.Helper()
	inc.Reference = "INC-2026-" + inc.ID
	inc.Status = models.StatusReported
	inc.Version = 1
	err := f.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertIncident(context.Background(), inc)
	})
	require.NoError(t, err)
	return inc
}

func (f *fixture) record(t *testing.T, incidentID string) models.IntegrationRecord {
	t.Helper()
	recs, err := f.store.ListIntegrations(context.Background(), incidentID)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	return recs[len(recs)-1]
}

func TestDispatcher_GivesUpAfterMaxAttemptsWithOneAlert(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 5, BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute})
	f.client.fail = true
	ctx := context.Background()
	inc := f.seed(t, &models.Incident{ID: "i-1", Category: models.CategoryMedical, Priority: models.PriorityCritical})

	require.NoError(t, f.d.Trigger(ctx, inc.ID, "city-ems", models.AuditEscalated))
	assert.Equal(t, 1, f.queue.Len())

	for attempt := 1; attempt <= 5; attempt++ {
		rec, err := f.d.Dispatch(ctx, inc.ID, "city-ems")
		require.NoError(t, err)
		assert.Equal(t, attempt, rec.AttemptCount)
		assert.Equal(t, "connection refused", rec.LastError)

		if attempt < 5 {
			require.Equal(t, models.IntegrationPending, rec.Status)
			require.NotNil(t, rec.NextRetryAt)
			wait := rec.NextRetryAt.Sub(f.clock.now())
			assert.GreaterOrEqual(t, wait, 2*time.Second)
			assert.LessOrEqual(t, wait, time.Minute)

			// a duplicate job before the retry time does not send
			early, err := f.d.Dispatch(ctx, inc.ID, "city-ems")
			require.NoError(t, err)
			assert.Equal(t, attempt, early.AttemptCount)

			f.clock.advance(wait)
		}
	}

	rec := f.record(t, inc.ID)
	assert.Equal(t, models.IntegrationFailed, rec.Status)
	assert.Equal(t, 5, rec.AttemptCount)
	assert.Nil(t, rec.NextRetryAt)
	assert.Equal(t, 5, f.client.Calls())

	require.Len(t, f.alerts.alerts, 1)
	alert := f.alerts.alerts[0]
	assert.Equal(t, AlertDispatchFailed, alert.Kind)
	assert.Equal(t, inc.ID, alert.IncidentID)
	assert.Equal(t, "city-ems", alert.Service)

	// stale jobs and sweeps after giving up change nothing
	again, err := f.d.Dispatch(ctx, inc.ID, "city-ems")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationFailed, again.Status)
	n, err := f.d.RetryDue(ctx, f.clock.now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, f.client.Calls())
	assert.Len(t, f.alerts.alerts, 1)
}

func TestDispatcher_BackoffGrowsAndCaps(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 10, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second})
	f.client.fail = true
	ctx := context.Background()
	inc := f.seed(t, &models.Incident{ID: "i-2", Category: models.CategoryMedical, Priority: models.PriorityHigh})

	var waits []time.Duration
	for i := 0; i < 5; i++ {
		rec, err := f.d.Dispatch(ctx, inc.ID, "city-ems")
		require.NoError(t, err)
		wait := rec.NextRetryAt.Sub(f.clock.now())
		waits = append(waits, wait)
		f.clock.advance(wait)
	}
	// jitter 0.5 over [1s, min(5s, 1s*2^(n-1))]
	assert.Equal(t, []time.Duration{
		time.Second, 1500 * time.Millisecond, 2500 * time.Millisecond, 3 * time.Second, 3 * time.Second,
	}, waits)
}

func TestDispatcher_SendAndAcknowledge(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	inc := f.seed(t, &models.Incident{
		ID: "i-3", Category: models.CategoryMedical, Priority: models.PriorityHigh,
		MedicalAnnotation: &models.MedicalAnnotation{KeyID: "k1", Ciphertext: []byte{1, 2}},
	})

	rec, err := f.d.Dispatch(ctx, inc.ID, "city-ems")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationSent, rec.Status)
	assert.Equal(t, "EMS-7", *rec.ExternalReferenceID)
	require.Len(t, f.client.payloads, 1)
	assert.Equal(t, "i-3:city-ems", f.client.payloads[0].IdempotencyKey)
	assert.NotNil(t, f.client.payloads[0].MedicalAnnotation)

	// already sent: no second send
	_, err = f.d.Dispatch(ctx, inc.ID, "city-ems")
	require.NoError(t, err)
	assert.Equal(t, 1, f.client.Calls())

	acked, err := f.d.Acknowledge(ctx, "city-ems", inc.ID, "EMS-7-ACK")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationAcknowledged, acked.Status)
	assert.Equal(t, "EMS-7-ACK", *f.record(t, inc.ID).ExternalReferenceID)

	_, err = f.d.Acknowledge(ctx, "city-ems", "nope", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.d.Dispatch(ctx, inc.ID, "police")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDispatcher_DuplicateResponseIsSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.dup = true
	inc := f.seed(t, &models.Incident{ID: "i-4", Category: models.CategoryMedical, Priority: models.PriorityHigh})

	rec, err := f.d.Dispatch(context.Background(), inc.ID, "city-ems")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationSent, rec.Status)
	assert.Nil(t, rec.ExternalReferenceID)
}

func TestDispatcher_OnTransitionPolicy(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	medical := f.seed(t, &models.Incident{ID: "i-5", Category: models.CategoryMedical, Priority: models.PriorityHigh})
	fall := f.seed(t, &models.Incident{ID: "i-6", Category: models.CategoryFall, Priority: models.PriorityCritical})

	f.d.OnTransition(ctx, &models.TransitionEvent{Incident: medical, Entry: models.AuditEntry{Action: models.AuditCreated}})
	f.d.OnTransition(ctx, &models.TransitionEvent{Incident: fall, Entry: models.AuditEntry{Action: models.AuditCreated}})
	assert.Equal(t, 1, f.queue.Len())

	f.d.OnTransition(ctx, &models.TransitionEvent{Incident: fall, Entry: models.AuditEntry{Action: models.AuditEscalated}})
	assert.Equal(t, 2, f.queue.Len())

	recs, err := f.store.ListIntegrations(ctx, fall.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.IntegrationPending, recs[0].Status)

	d1, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Job{IncidentID: medical.ID, Service: "city-ems", Reason: models.AuditCreated}, d1.Job)
	d2, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AuditEscalated, d2.Job.Reason)
}

func TestDispatcher_RetryDueRecoversLostJob(t *testing.T) {
	f := newFixture(t, Options{SendTimeout: 10 * time.Second, BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()
	inc := f.seed(t, &models.Incident{ID: "i-7", Category: models.CategoryMedical, Priority: models.PriorityHigh})

	require.NoError(t, f.d.Trigger(ctx, inc.ID, "city-ems", models.AuditCreated))
	_, err := f.queue.Dequeue(ctx) // lost
	require.NoError(t, err)

	n, err := f.d.RetryDue(ctx, f.clock.now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.d.RetryDue(ctx, f.clock.now().Add(22*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.queue.Len())
}

func TestDispatcher_RunWorkers(t *testing.T) {
	f := newFixture(t, Options{Workers: 3})
	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"w-1", "w-2", "w-3", "w-4"} {
		inc := f.seed(t, &models.Incident{ID: id, Category: models.CategoryMedical, Priority: models.PriorityHigh})
		require.NoError(t, f.d.Trigger(ctx, inc.ID, "city-ems", models.AuditCreated))
	}

	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		for _, id := range []string{"w-1", "w-2", "w-3", "w-4"} {
			recs, _ := f.store.ListIntegrations(context.Background(), id)
			if len(recs) != 1 || recs[0].Status != models.IntegrationSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
	assert.Equal(t, 4, f.client.Calls())
}
