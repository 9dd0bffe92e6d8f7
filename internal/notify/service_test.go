package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-incident/internal/engine"
	"wisefido-incident/internal/models"
	"wisefido-incident/internal/repository"
)

type fakeSink struct {
	mu   sync.Mutex
	got  []models.NotificationEnvelope
	fail bool
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Send(_ context.Context, _ string, env models.NotificationEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gateway down")
	}
	f.got = append(f.got, env)
	return nil
}

type fakeTrigger struct {
	mu      sync.Mutex
	actions []string
	ctxErrs []error
}

func (f *fakeTrigger) OnTransition(ctx context.Context, ev *models.TransitionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, ev.Entry.Action)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
}

type fixture struct {
	store   *repository.MemoryStore
	svc     *Service
	engine  *engine.Engine
	sink    *fakeSink
	trigger *fakeTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	sink := &fakeSink{}
	trig := &fakeTrigger{}
	svc := NewService(store, NewHub(), NewSnapshotCache(NewMemoryKV(), "", time.Minute), zap.NewNop(),
		Options{ReplayLimit: 2, HubBuffer: 16}, sink, &fakeSink{fail: true})
	svc.SetTrigger(trig)
	return &fixture{store: store, svc: svc, engine: engine.New(store, svc, zap.NewNop()), sink: sink, trigger: trig}
}

func (f *fixture) create(t *testing.T) *models.Incident {
	t.Helper()
	res, err := f.engine.CreateIncident(context.Background(), engine.CreateRequest{
		ReporterID: "reporter-1", Payload: models.Payload{Category: models.CategoryMedical, Priority: models.PriorityHigh},
	})
	require.NoError(t, err)
	return res.Incident
}

func (f *fixture) apply(t *testing.T, id string, a models.Action, p models.Payload) {
	t.Helper()
	_, err := f.engine.ApplyTransition(context.Background(), engine.TransitionRequest{IncidentID: id, Action: a, Payload: p})
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }

func TestGroupsFor(t *testing.T) {
	inc := &models.Incident{ID: "i-1", AssigneeID: strPtr("r-2")}

	assert.Equal(t, []string{"responder:r-2", "family:i-1", "dashboard:global"},
		GroupsFor(inc, models.AuditStatusChanged, ""))
	assert.Equal(t, []string{"responder:r-2", "responder:r-1", "family:i-1", "dashboard:global"},
		GroupsFor(inc, models.AuditAssigned, "r-1"))
	assert.Equal(t, []string{"responder:r-2", "family:i-1", "dashboard:global", "external:escalation"},
		GroupsFor(inc, models.AuditEscalated, ""))
	assert.Equal(t, []string{"family:i-9", "dashboard:global"},
		GroupsFor(&models.Incident{ID: "i-9"}, models.AuditCreated, ""))
}

func TestService_StageAndDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inc := f.create(t)
	f.apply(t, inc.ID, models.ActionAssign, models.Payload{AssigneeID: strPtr("r-1")})
	f.apply(t, inc.ID, models.ActionEscalate, models.Payload{})

	dash, err := f.svc.ReplaySince(ctx, models.DashboardGroup, 0, 10)
	require.NoError(t, err)
	require.Len(t, dash, 2) // replay limit
	assert.Equal(t, models.AuditCreated, dash[0].Payload.Action)
	assert.NotContains(t, dash[0].Payload.Data, "new_value")

	resp, err := f.svc.ReplaySince(ctx, models.ResponderGroup("r-1"), 0, 0)
	require.NoError(t, err)
	require.Len(t, resp, 2)
	assert.Equal(t, models.AuditAssigned, resp[0].Payload.Action)
	assert.Equal(t, "r-1", resp[0].Payload.Data["new_value"])
	assert.Equal(t, models.StatusEscalated, resp[1].Payload.Status)

	ext, err := f.svc.ReplaySince(ctx, models.ExternalEscalationGroup, 0, 0)
	require.NoError(t, err)
	require.Len(t, ext, 1)

	// the failing sink does not affect the working one
	f.sink.mu.Lock()
	assert.Len(t, f.sink.got, 2+3+4)
	f.sink.mu.Unlock()

	f.trigger.mu.Lock()
	assert.Equal(t, []string{models.AuditCreated, models.AuditEscalated}, f.trigger.actions)
	f.trigger.mu.Unlock()

	cached, err := f.svc.CachedSnapshot(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cached.Version)
	assert.Equal(t, models.StatusEscalated, cached.Status)

	_, err = f.svc.ReplaySince(ctx, "nobody", 0, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func receive(t *testing.T, sub *Subscriber, n int) []int64 {
	t.Helper()
	var seqs []int64
	for len(seqs) < n {
		select {
		case env := <-sub.C():
			seqs = append(seqs, env.SequenceNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", seqs)
		}
	}
	return seqs
}

func TestService_ReplaySinceCompleteAfterReconnect(t *testing.T) {
	f := newFixture(t)
	inc := f.create(t) // family seq 1
	group := models.FamilyGroup(inc.ID)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.svc.Subscribe(ctx, group, "device-1", 0)
	require.NoError(t, err)
	<-sub.Ready()
	assert.Equal(t, []int64{1}, receive(t, sub, 1))

	f.apply(t, inc.ID, models.ActionAcknowledge, models.Payload{})
	f.apply(t, inc.ID, models.ActionStart, models.Payload{})
	assert.Equal(t, []int64{2, 3}, receive(t, sub, 2))
	last := sub.LastSequence()

	// disconnect; the incident moves on while the device is away
	cancel()
	<-sub.Done()
	f.apply(t, inc.ID, models.ActionPrioritize, models.Payload{Priority: models.PriorityCritical})
	f.apply(t, inc.ID, models.ActionDescribe, models.Payload{Description: strPtr("second floor")})
	f.apply(t, inc.ID, models.ActionRelocate, models.Payload{Location: &models.Location{Latitude: 1, Longitude: 2}})

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	sub2, err := f.svc.Subscribe(ctx2, group, "device-1", last)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, receive(t, sub2, 3))
	<-sub2.Ready()

	f.apply(t, inc.ID, models.ActionResolve, models.Payload{})
	assert.Equal(t, []int64{7}, receive(t, sub2, 1))
	select {
	case env := <-sub2.C():
		t.Fatalf("unexpected extra envelope %d", env.SequenceNumber)
	default:
	}
}

func TestSubscriber_FlushesPendingWithoutDuplicates(t *testing.T) {
	sub := newSubscriber("dashboard:global", "ops", 0, 16)
	env := func(seq int64) models.NotificationEnvelope {
		return models.NotificationEnvelope{GroupKey: "dashboard:global", SequenceNumber: seq}
	}
	ctx := context.Background()

	// envelopes 3 and 4 arrive live while 1..3 are being replayed
	sub.offer(env(4))
	sub.offer(env(3))
	for _, s := range []int64{1, 2, 3} {
		require.NoError(t, sub.send(ctx, env(s)))
	}
	require.NoError(t, sub.goLive(ctx, true))
	sub.offer(env(4)) // late duplicate
	sub.offer(env(5))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, receive(t, sub, 5))
	assert.Empty(t, sub.C())
}

func TestSubscriber_LaggingIsDisconnected(t *testing.T) {
	hub := NewHub()
	sub := newSubscriber("dashboard:global", "slow", 0, 1)
	hub.add(sub)
	require.NoError(t, sub.goLive(context.Background(), true))

	hub.Publish(models.NotificationEnvelope{GroupKey: "dashboard:global", SequenceNumber: 1})
	hub.Publish(models.NotificationEnvelope{GroupKey: "dashboard:global", SequenceNumber: 2})

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSubscriberLagging)
	assert.Equal(t, int64(1), sub.LastSequence())

	hub.Remove(sub)
	assert.Equal(t, 0, hub.Count("dashboard:global"))
}

func TestSubscriber_HoldsEnvelopeUntilGapFilled(t *testing.T) {
	hub := NewHub()
	sub := newSubscriber("dashboard:global", "console", 0, 16)
	hub.add(sub)
	ctx := context.Background()
	require.NoError(t, sub.goLive(ctx, true))

	// seq 2 published before seq 1
	hub.Publish(models.NotificationEnvelope{GroupKey: "dashboard:global", SequenceNumber: 2})
	assert.Empty(t, sub.C())
	assert.Equal(t, int64(0), sub.LastSequence())
	select {
	case <-sub.resync:
	default:
		t.Fatal("gap did not request a resync")
	}

	assert.ErrorIs(t, sub.goLive(ctx, true), errSequenceGap)
	hub.Publish(models.NotificationEnvelope{GroupKey: "dashboard:global", SequenceNumber: 1})
	require.NoError(t, sub.goLive(ctx, true))
	hub.Publish(models.NotificationEnvelope{GroupKey: "dashboard:global", SequenceNumber: 3})

	assert.Equal(t, []int64{1, 2, 3}, receive(t, sub, 3))
	assert.Nil(t, sub.Err())
}

func TestService_SubscriberSeesEnvelopesFromAnotherInstance(t *testing.T) {
	a := newFixture(t)
	// second instance on the same store with its own hub
	svcB := NewService(a.store, NewHub(), nil, zap.NewNop(), Options{ReplayLimit: 2, HubBuffer: 16})
	b := &fixture{store: a.store, svc: svcB, engine: engine.New(a.store, svcB, zap.NewNop())}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := a.svc.Subscribe(ctx, models.DashboardGroup, "console", 0)
	require.NoError(t, err)
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never went live")
	}

	a.create(t)
	b.create(t)
	a.create(t)

	assert.Equal(t, []int64{1, 2, 3}, receive(t, sub, 3))
	assert.Nil(t, sub.Err())

	a.create(t)
	assert.Equal(t, []int64{4}, receive(t, sub, 1))
}

func TestService_CatchUpDeliversPastPurgedHole(t *testing.T) {
	f := newFixture(t)
	sub := newSubscriber(models.DashboardGroup, "console", 0, 16)
	ctx := context.Background()
	// seq 5 buffered while nothing below it is left in the queue
	sub.offer(models.NotificationEnvelope{GroupKey: models.DashboardGroup, SequenceNumber: 5})

	require.NoError(t, f.svc.catchUp(ctx, sub))
	assert.Equal(t, []int64{5}, receive(t, sub, 1))
}

func TestService_DeliverOutlivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	inc := &models.Incident{ID: "i-1", Version: 1, Status: models.StatusReported}
	ev := &models.TransitionEvent{Incident: inc, Entry: models.AuditEntry{Action: models.AuditCreated}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.svc.Deliver(ctx, ev, nil)

	f.trigger.mu.Lock()
	assert.Equal(t, []string{models.AuditCreated}, f.trigger.actions)
	assert.Equal(t, []error{nil}, f.trigger.ctxErrs)
	f.trigger.mu.Unlock()

	cached, err := f.svc.CachedSnapshot(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Version)
}

func TestService_AckAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inc := f.create(t)
	f.apply(t, inc.ID, models.ActionAcknowledge, models.Payload{})
	group := models.FamilyGroup(inc.ID)

	require.NoError(t, f.svc.Ack(ctx, group, "device-1", 1))
	require.NoError(t, f.svc.Ack(ctx, group, "device-2", 2))
	n, err := f.svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	envs, err := f.svc.ReplaySince(ctx, group, 0, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, int64(2), envs[0].SequenceNumber)

	assert.ErrorIs(t, f.svc.Ack(ctx, group, "", 1), models.ErrValidation)
}

func TestService_RaiseAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RaiseAlert(ctx, models.Alert{
		Kind: AlertDispatchFailed, IncidentID: "i-1", Service: "ems", Message: "gave up after 5 attempts",
	}))

	envs, err := f.svc.ReplaySince(ctx, models.DashboardGroup, 0, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, AlertDispatchFailed, envs[0].Payload.Action)
	assert.Equal(t, "ems", envs[0].Payload.Data["service"])
}
