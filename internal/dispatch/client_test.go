package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-incident/internal/models"
)

func samplePayload() ForwardPayload {
	return ForwardPayload{
		IncidentID:     "i-1",
		Reference:      "INC-2026-000001",
		Category:       models.CategoryMedical,
		Priority:       models.PriorityCritical,
		Status:         models.StatusEscalated,
		IdempotencyKey: "i-1:city-ems",
	}
}

func TestHTTPClient_Forward(t *testing.T) {
	var (
		gotKey  string
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/incidents", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"reference_id":"EMS-42"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(ServicePolicy{Name: "city-ems", BaseURL: srv.URL, Path: "/v1/incidents", AuthToken: "secret"}, zap.NewNop())
	res, err := c.Forward(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "EMS-42", res.ReferenceID)
	assert.Equal(t, "i-1:city-ems", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "i-1", gotBody["incident_id"])
	assert.NotContains(t, gotBody, "medical_annotation")
}

func TestHTTPClient_DuplicateIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewHTTPClient(ServicePolicy{Name: "city-ems", BaseURL: srv.URL}, zap.NewNop())
	res, err := c.Forward(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestHTTPClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refused":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"accepted":false}`))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	_, err := NewHTTPClient(ServicePolicy{Name: "a", BaseURL: srv.URL}, zap.NewNop()).
		Forward(context.Background(), samplePayload())
	assert.ErrorContains(t, err, "502")

	_, err = NewHTTPClient(ServicePolicy{Name: "a", BaseURL: srv.URL, Path: "/refused"}, zap.NewNop()).
		Forward(context.Background(), samplePayload())
	assert.ErrorContains(t, err, "did not accept")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = NewHTTPClient(ServicePolicy{Name: "a", BaseURL: srv.URL, Path: "/slow"}, zap.NewNop()).
		Forward(ctx, samplePayload())
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	p, err := ParsePolicy([]byte(policyYAML))
	require.NoError(t, err)
	reg := NewRegistry(p, zap.NewNop())

	assert.IsType(t, &HTTPClient{}, reg["city-ems"])
	assert.IsType(t, &LogClient{}, reg["fire-dept"])

	res, err := reg["fire-dept"].Forward(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "log-INC-2026-000001", res.ReferenceID)
}
