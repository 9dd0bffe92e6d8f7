package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"wisefido-incident/internal/models"
)

// ForwardPayload is the minimal incident view sent to an external service.
type ForwardPayload struct {
	IncidentID        string                    `json:"incident_id"`
	Reference         string                    `json:"reference"`
	Category          models.Category           `json:"category"`
	Priority          models.Priority           `json:"priority"`
	Status            models.Status             `json:"status"`
	Location          models.Location           `json:"location"`
	Description       string                    `json:"description,omitempty"`
	MedicalAnnotation *models.MedicalAnnotation `json:"medical_annotation,omitempty"`
	ReportedAt        time.Time                 `json:"reported_at"`
	IdempotencyKey    string                    `json:"-"`
}

// ForwardResult 外部服务的受理结果
type ForwardResult struct {
	Accepted    bool   `json:"accepted"`
	ReferenceID string `json:"reference_id"`
	Duplicate   bool   `json:"duplicate"`
}

// ExternalServiceClient forwards an incident to one external emergency service.
type ExternalServiceClient interface {
	Forward(ctx context.Context, payload ForwardPayload) (*ForwardResult, error)
}

// HTTPClient 通过 HTTP 转发（resty）
type HTTPClient struct {
	name       string
	path       string
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPClient builds a client for a kind=http service. resty retries are off:
// the dispatcher owns retry and backoff.
func NewHTTPClient(p ServicePolicy, logger *zap.Logger) *HTTPClient {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(p.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if p.AuthToken != "" {
		client.SetAuthToken(p.AuthToken)
	}
	path := p.Path
	if path == "" {
		path = "/incidents"
	}
	return &HTTPClient{name: p.Name, path: path, httpClient: client, logger: logger}
}

func (c *HTTPClient) Forward(ctx context.Context, payload ForwardPayload) (*ForwardResult, error) {
	var result ForwardResult
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", payload.IdempotencyKey).
		SetBody(payload).
		SetResult(&result).
		Post(c.path)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", c.name, err)
	}

	switch {
	case resp.StatusCode() == http.StatusConflict:
		// already received under this idempotency key
		result.Duplicate = true
		result.Accepted = true
		return &result, nil
	case resp.IsSuccess():
		if resp.StatusCode() == http.StatusAccepted || resp.StatusCode() == http.StatusCreated {
			result.Accepted = true
		}
		if !result.Accepted && !result.Duplicate {
			return &result, fmt.Errorf("%s did not accept incident %s", c.name, payload.IncidentID)
		}
		return &result, nil
	}

	c.logger.Warn("External service returned error",
		zap.String("service", c.name),
		zap.String("incident_id", payload.IncidentID),
		zap.Int("status_code", resp.StatusCode()))
	return nil, fmt.Errorf("%s returned status %d", c.name, resp.StatusCode())
}

// LogClient only logs the payload; used in development and as the default integration.
type LogClient struct {
	name   string
	logger *zap.Logger
}

func NewLogClient(name string, logger *zap.Logger) *LogClient {
	return &LogClient{name: name, logger: logger}
}

func (c *LogClient) Forward(ctx context.Context, payload ForwardPayload) (*ForwardResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.logger.Info("Incident forwarded",
		zap.String("service", c.name),
		zap.String("incident_id", payload.IncidentID),
		zap.String("reference", payload.Reference),
		zap.String("status", string(payload.Status)),
		zap.String("priority", string(payload.Priority)))
	return &ForwardResult{Accepted: true, ReferenceID: "log-" + payload.Reference}, nil
}

// Registry maps service names to their clients.
type Registry map[string]ExternalServiceClient

// NewRegistry builds one client per configured service.
func NewRegistry(p *Policy, logger *zap.Logger) Registry {
	reg := Registry{}
	for _, s := range p.Services {
		switch s.Kind {
		case KindHTTP:
			reg[s.Name] = NewHTTPClient(s, logger)
		default:
			reg[s.Name] = NewLogClient(s.Name, logger)
		}
	}
	return reg
}
