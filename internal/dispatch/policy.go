package dispatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"wisefido-incident/internal/models"
)

// client kinds
const (
	KindHTTP = "http"
	KindLog  = "log"
)

// ServicePolicy 单个外部急救服务的转发策略
type ServicePolicy struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	BaseURL      string            `yaml:"base_url"`
	Path         string            `yaml:"path"`
	AuthToken    string            `yaml:"auth_token"`
	Categories   []models.Category `yaml:"categories"`   // auto-forward on create; empty: none
	MinPriority  models.Priority   `yaml:"min_priority"` // default high
	OnEscalation *bool             `yaml:"on_escalation"`
	ShareMedical bool              `yaml:"share_medical"` // authorised to receive the medical annotation
	Timeout      time.Duration     `yaml:"timeout"`       // http client timeout; the send timeout still applies
}

// AutoForward reports whether a newly created incident goes to this service.
func (p ServicePolicy) AutoForward(inc *models.Incident) bool {
	if inc.Priority.Level() < p.MinPriority.Level() {
		return false
	}
	for _, c := range p.Categories {
		if c == inc.Category {
			return true
		}
	}
	return false
}

// Escalates reports whether escalations go to this service.
func (p ServicePolicy) Escalates() bool {
	return p.OnEscalation == nil || *p.OnEscalation
}

// Policy is the integrations file.
type Policy struct {
	Services []ServicePolicy `yaml:"services"`
}

// DefaultPolicy is used when no integrations file is configured: a single
// logging client that receives escalations and high-priority medical/fire incidents.
func DefaultPolicy() *Policy {
	return &Policy{Services: []ServicePolicy{{
		Name:        "emergency-services",
		Kind:        KindLog,
		Categories:  []models.Category{models.CategoryMedical, models.CategoryFire},
		MinPriority: models.PriorityHigh,
	}}}
}

// LoadPolicy reads the YAML integrations file; an empty path yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read integrations file: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse integrations file: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) normalize() error {
	seen := map[string]bool{}
	for i := range p.Services {
		s := &p.Services[i]
		if s.Name == "" {
			return fmt.Errorf("integration %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("integration %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Kind == "" {
			s.Kind = KindLog
		}
		switch s.Kind {
		case KindLog:
		case KindHTTP:
			if s.BaseURL == "" {
				return fmt.Errorf("integration %s: base_url is required for kind http", s.Name)
			}
		default:
			return fmt.Errorf("integration %s: unknown kind %q", s.Name, s.Kind)
		}
		if s.MinPriority == "" {
			s.MinPriority = models.PriorityHigh
		}
		if !s.MinPriority.Valid() {
			return fmt.Errorf("integration %s: invalid min_priority %q", s.Name, s.MinPriority)
		}
		for _, c := range s.Categories {
			if !c.Valid() {
				return fmt.Errorf("integration %s: invalid category %q", s.Name, c)
			}
		}
	}
	return nil
}

// Service returns the policy of a service by name.
func (p *Policy) Service(name string) (ServicePolicy, bool) {
	for _, s := range p.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServicePolicy{}, false
}
