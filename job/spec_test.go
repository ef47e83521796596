package job_test

import (
	"errors"
	"testing"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/job"
)

func validSpec() job.Spec {
	return job.Spec{
		TenantID:   "acme",
		Recipients: []string{"user@example.com"},
		Subject:    "Welcome",
		TextBody:   "hello",
		IdentityID: "idn-1",
	}
}

func TestSpec_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*job.Spec)
		wantField string
	}{
		{
			name:   "valid spec",
			mutate: func(*job.Spec) {},
		},
		{
			name: "template instead of inline content",
			mutate: func(s *job.Spec) {
				s.TextBody = ""
				s.TemplateID = "tpl-welcome"
				s.Variables = map[string]string{"name": "Ada"}
			},
		},
		{
			name:      "missing tenant",
			mutate:    func(s *job.Spec) { s.TenantID = "" },
			wantField: "tenant_id",
		},
		{
			name:      "no recipients",
			mutate:    func(s *job.Spec) { s.Recipients = nil },
			wantField: "recipients",
		},
		{
			name:      "malformed recipient",
			mutate:    func(s *job.Spec) { s.Recipients = []string{"not-an-address"} },
			wantField: "recipients",
		},
		{
			name:      "blank subject",
			mutate:    func(s *job.Spec) { s.Subject = "   " },
			wantField: "subject",
		},
		{
			name:      "no content and no template",
			mutate:    func(s *job.Spec) { s.TextBody = "" },
			wantField: "content",
		},
		{
			name:      "missing identity",
			mutate:    func(s *job.Spec) { s.IdentityID = "" },
			wantField: "identity_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := validSpec()
			tt.mutate(&s)
			err := s.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, herald.ErrValidation) {
				t.Fatalf("Validate() = %v, want ErrValidation", err)
			}
			var verr *herald.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error is not a *ValidationError: %v", err)
			}
			if _, ok := verr.Fields[tt.wantField]; !ok {
				t.Fatalf("Fields = %v, want entry for %q", verr.Fields, tt.wantField)
			}
		})
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	terminal := []job.State{job.StateSent, job.StateFailed, job.StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	open := []job.State{job.StatePending, job.StateActive, job.StateRetryScheduled}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestJob_Cancellable(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		state job.State
		want  bool
	}{
		{job.StatePending, true},
		{job.StateRetryScheduled, true},
		{job.StateActive, false},
		{job.StateSent, false},
		{job.StateFailed, false},
		{job.StateCancelled, false},
	} {
		j := &job.Job{State: tt.state}
		if got := j.Cancellable(); got != tt.want {
			t.Errorf("Cancellable() in %s = %v, want %v", tt.state, got, tt.want)
		}
	}
}
