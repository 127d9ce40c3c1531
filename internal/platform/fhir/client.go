package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ContentTypeFHIRJSON is the media type for FHIR JSON payloads.
const ContentTypeFHIRJSON = "application/fhir+json"

// ErrNoResourceID is returned when the server accepted a create but did not
// report the assigned logical id in the body or the Location header.
var ErrNoResourceID = errors.New("server did not return a resource id")

// TransportError describes a create request the FHIR server rejected or that
// never reached it.
type TransportError struct {
	ResourceType string
	StatusCode   int    // 0 when no response was received
	Diagnostics  string // OperationOutcome summary or response status text
	Err          error  // underlying network/context error, if any
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("create %s: %v", e.ResourceType, e.Err)
	}
	if e.Diagnostics != "" {
		return fmt.Sprintf("create %s: server returned %d: %s", e.ResourceType, e.StatusCode, e.Diagnostics)
	}
	return fmt.Sprintf("create %s: server returned %d", e.ResourceType, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClientConfig configures the remote FHIR server connection.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	UserAgent  string
}

// Client creates resources on a remote FHIR server over its REST API. It is
// safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewClient builds a Client. Retries are off unless cfg.RetryCount > 0.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", ContentTypeFHIRJSON).
		SetHeader("Accept", ContentTypeFHIRJSON)

	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	if cfg.RetryCount > 0 {
		c.SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second)
	}
	if cfg.UserAgent != "" {
		c.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Client{
		http:   c,
		logger: logger.With().Str("component", "fhir_client").Logger(),
	}
}

// createResponse captures the fields of a created resource that we need.
type createResponse struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Create POSTs resource to [base]/[resourceType] and returns the id assigned
// by the server. The resource must marshal to a FHIR JSON object.
func (c *Client) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (string, error) {
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(resource).
		Post("/" + resourceType)
	if err != nil {
		return "", &TransportError{ResourceType: resourceType, Err: err}
	}

	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		terr := &TransportError{
			ResourceType: resourceType,
			StatusCode:   resp.StatusCode(),
			Diagnostics:  outcomeDiagnostics(resp.Body()),
		}
		if terr.Diagnostics == "" {
			terr.Diagnostics = strings.TrimSpace(resp.Status())
		}
		return "", terr
	}

	id := ""
	var created createResponse
	if len(resp.Body()) > 0 && json.Unmarshal(resp.Body(), &created) == nil {
		id = created.ID
	}
	if id == "" {
		id = IDFromLocation(resp.Header().Get("Location"), resourceType)
	}
	if id == "" {
		id = IDFromLocation(resp.Header().Get("Content-Location"), resourceType)
	}
	if id == "" {
		return "", fmt.Errorf("create %s: %w", resourceType, ErrNoResourceID)
	}

	c.logger.Debug().
		Str("resource_type", resourceType).
		Str("id", id).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("resource created")

	return id, nil
}

// outcomeDiagnostics returns the summary of an OperationOutcome body, or ""
// when the body is not one.
func outcomeDiagnostics(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return ""
	}
	return oo.Summary()
}
