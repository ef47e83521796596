package job

import (
	"strings"
	"time"

	"github.com/heraldmail/herald"
)

// Spec describes a send request before admission. The engine validates
// it, reserves quota, and materializes it into one Job per recipient.
type Spec struct {
	TenantID   string
	AppID      string
	Recipients []string
	Subject    string
	HTMLBody   string
	TextBody   string
	TemplateID string
	Variables  map[string]string
	IdentityID string

	Queue    string
	Priority Priority

	// MaxAttempts overrides the configured default when > 0.
	MaxAttempts int
	// Timeout overrides the configured delivery timeout when > 0.
	Timeout time.Duration
	// NotBefore delays eligibility (scheduled sends). Zero means now.
	NotBefore time.Time
}

// Validate checks the spec per the admission contract: non-empty
// recipients, a subject, and either inline content or a template
// reference. Returns a *herald.ValidationError listing every violation,
// or nil.
func (s *Spec) Validate() error {
	fields := make(map[string]string)

	if len(s.TenantID) == 0 {
		fields["tenant_id"] = "required"
	}
	if len(s.Recipients) == 0 {
		fields["recipients"] = "at least one recipient required"
	}
	for _, r := range s.Recipients {
		if !strings.Contains(r, "@") {
			fields["recipients"] = "invalid address: " + r
			break
		}
	}
	if strings.TrimSpace(s.Subject) == "" {
		fields["subject"] = "required"
	}
	if s.HTMLBody == "" && s.TextBody == "" && s.TemplateID == "" {
		fields["content"] = "either inline content or template_id required"
	}
	if s.IdentityID == "" {
		fields["identity_id"] = "sender identity required"
	}

	if len(fields) > 0 {
		return herald.NewValidationError(fields)
	}
	return nil
}
