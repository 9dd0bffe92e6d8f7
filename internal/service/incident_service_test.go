package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-incident/common/redis"
	"wisefido-incident/internal/config"
	"wisefido-incident/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = time.Second
	cfg.DBEnabled = false
	cfg.RedisEnabled = false
	cfg.MQTTEnabled = false
	cfg.Dispatch.IntegrationsFile = ""
	return cfg
}

func createIncident(t *testing.T, h http.Handler, category, priority string) *models.Incident {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"category": category, "priority": priority})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "reporter-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Result struct {
			Incident *models.Incident `json:"incident"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Result.Incident
}

func integrations(t *testing.T, h http.Handler, id string) []models.IntegrationRecord {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/integrations/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Result []models.IntegrationRecord `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Result
}

func TestIncidentService_MemoryBackendsForwardIncident(t *testing.T) {
	svc, err := NewIncidentService(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	inc := createIncident(t, svc.Handler(), "medical", "critical")
	// the default policy forwards to the logging client; a worker marks it sent
	assert.Eventually(t, func() bool {
		recs := integrations(t, svc.Handler(), inc.ID)
		return len(recs) == 1 && recs[0].Status == models.IntegrationSent
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestIncidentService_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisEnabled = true
	cfg.Redis.Addr = mr.Addr()

	svc, err := NewIncidentService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	inc := createIncident(t, svc.Handler(), "fire", "high")

	// snapshot cached in Redis, dispatch job on the stream
	assert.True(t, mr.Exists(cfg.Notify.SnapshotPrefix+inc.ID))
	client := redis.NewRedisClient(&cfg.Redis)
	defer client.Close()
	n, err := client.XLen(context.Background(), cfg.Dispatch.Stream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestIncidentService_InvalidIntegrationsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - kind: http\n"), 0o600))
	cfg := testConfig(t)
	cfg.Dispatch.IntegrationsFile = path

	_, err := NewIncidentService(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestScheduler_RunsJobsUntilCancelled(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.Error(t, s.Add("bad", "not a spec", func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}
