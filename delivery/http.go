package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heraldmail/herald/job"
)

// HTTPSender delivers email through an SES-like provider REST API.
//
// No Go SDK is pinned here on purpose: the provider surface is a single
// JSON endpoint, and keeping the client thin makes the error
// classification explicit and testable.
type HTTPSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) { s.client = c }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) HTTPOption {
	return func(s *HTTPSender) { s.apiKey = key }
}

// NewHTTPSender creates a sender that POSTs to the given provider
// endpoint. The default client timeout is 30s; per-job delivery
// timeouts are enforced by the executor through ctx.
func NewHTTPSender(endpoint string, opts ...HTTPOption) *HTTPSender {
	s := &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sendRequest is the provider wire format for an outbound email.
type sendRequest struct {
	IdentityID     string            `json:"identity_id"`
	To             string            `json:"to"`
	Subject        string            `json:"subject"`
	HTMLBody       string            `json:"html_body,omitempty"`
	TextBody       string            `json:"text_body,omitempty"`
	TemplateID     string            `json:"template_id,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	TenantID       string            `json:"tenant_id"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send delivers the job to the provider endpoint. HTTP 429 and 5xx map
// to transient errors; other 4xx map to permanent errors. The job ID is
// sent as the idempotency key so a reclaim-driven re-send of an already
// accepted email is deduplicated provider-side.
func (s *HTTPSender) Send(ctx context.Context, j *job.Job) (*Result, error) {
	body, err := json.Marshal(sendRequest{
		IdentityID:     j.IdentityID,
		To:             j.Recipient,
		Subject:        j.Subject,
		HTMLBody:       j.HTMLBody,
		TextBody:       j.TextBody,
		TemplateID:     j.TemplateID,
		Variables:      j.Variables,
		TenantID:       j.TenantID,
		IdempotencyKey: j.ID.String(),
	})
	if err != nil {
		return nil, Permanent("encode", "marshal send request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent("request", "build send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Transient("network", "provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var sr sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			// Accepted but unreadable body; the send went through.
			return &Result{}, nil
		}
		return &Result{ProviderMessageID: sr.MessageID}, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	_ = json.Unmarshal(raw, &er)
	if er.Message == "" {
		er.Message = fmt.Sprintf("provider returned HTTP %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient(coalesce(er.Code, "throttled"), er.Message, nil)
	case resp.StatusCode >= 500:
		return nil, Transient(coalesce(er.Code, "provider_error"), er.Message, nil)
	default:
		return nil, Permanent(coalesce(er.Code, "rejected"), er.Message, nil)
	}
}

func coalesce(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
