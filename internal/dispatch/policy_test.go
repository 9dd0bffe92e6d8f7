package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-incident/internal/models"
)

const policyYAML = `
services:
  - name: city-ems
    kind: http
    base_url: https://ems.example.test
    path: /v1/incidents
    auth_token: secret
    categories: [medical, fall]
    min_priority: high
    share_medical: true
    timeout: 5s
  - name: fire-dept
    categories: [fire]
    on_escalation: false
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(policyYAML))
	require.NoError(t, err)
	require.Len(t, p.Services, 2)

	ems, ok := p.Service("city-ems")
	require.True(t, ok)
	assert.Equal(t, KindHTTP, ems.Kind)
	assert.Equal(t, 5*time.Second, ems.Timeout)
	assert.True(t, ems.ShareMedical)
	assert.True(t, ems.Escalates())

	fire, ok := p.Service("fire-dept")
	require.True(t, ok)
	assert.Equal(t, KindLog, fire.Kind)
	assert.Equal(t, models.PriorityHigh, fire.MinPriority)
	assert.False(t, fire.Escalates())

	_, ok = p.Service("police")
	assert.False(t, ok)
}

func TestParsePolicy_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name":     "services:\n  - kind: log\n",
		"duplicate name":   "services:\n  - name: a\n  - name: a\n",
		"http without url": "services:\n  - name: a\n    kind: http\n",
		"unknown kind":     "services:\n  - name: a\n    kind: fax\n",
		"bad priority":     "services:\n  - name: a\n    min_priority: urgent\n",
		"bad category":     "services:\n  - name: a\n    categories: [flood]\n",
		"not yaml":         "services: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	path := filepath.Join(t.TempDir(), "integrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Len(t, p.Services, 2)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServicePolicy_AutoForward(t *testing.T) {
	p := ServicePolicy{Categories: []models.Category{models.CategoryMedical}, MinPriority: models.PriorityHigh}

	assert.True(t, p.AutoForward(&models.Incident{Category: models.CategoryMedical, Priority: models.PriorityHigh}))
	assert.True(t, p.AutoForward(&models.Incident{Category: models.CategoryMedical, Priority: models.PriorityCritical}))
	assert.False(t, p.AutoForward(&models.Incident{Category: models.CategoryMedical, Priority: models.PriorityMedium}))
	assert.False(t, p.AutoForward(&models.Incident{Category: models.CategoryFire, Priority: models.PriorityCritical}))
}

func TestBackoff(t *testing.T) {
	base, ceil := 2*time.Second, 30*time.Second

	assert.Equal(t, base, Backoff(1, base, ceil, 0.9))
	assert.Equal(t, base, Backoff(3, base, ceil, 0))
	assert.Equal(t, 5*time.Second, Backoff(3, base, ceil, 0.5)) // ceiling 8s
	assert.Equal(t, 16*time.Second, Backoff(10, base, ceil, 0.5))
	assert.Less(t, Backoff(10, base, ceil, 1), ceil+time.Nanosecond)
	assert.Equal(t, base, Backoff(0, base, ceil, 0.7))
}

func TestBackoff_LargeAttemptsStayAtCeiling(t *testing.T) {
	base := 3 * time.Second
	ceil := 100 * 365 * 24 * time.Hour

	// 3s<<39 wraps around int64
	assert.InDelta(t, float64(base+(ceil-base)/2), float64(Backoff(40, base, ceil, 0.5)), float64(time.Second))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := Backoff(attempt, base, ceil, 0.999999)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, ceil, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, base, Backoff(5, base, time.Second, 0.5))
}
