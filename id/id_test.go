package id_test

import (
	"strings"
	"testing"

	"github.com/heraldmail/herald/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"CampaignID", id.NewCampaignID, "cmp_"},
		{"ArchiveID", id.NewArchiveID, "arch_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := id.NewJobID()
	parsed, err := id.ParseJobID(orig.String())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	jobID := id.NewJobID()
	if _, err := id.ParseArchiveID(jobID.String()); err == nil {
		t.Error("expected error parsing job ID as archive ID")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error parsing empty string")
	}
}

func TestNilID(t *testing.T) {
	var nilID id.ID
	if !nilID.IsNil() {
		t.Error("zero value should be nil")
	}
	if nilID.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", nilID.String())
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	orig := id.NewJobID()
	text, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded id.ID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", decoded.String(), orig.String())
	}
}

func TestScan(t *testing.T) {
	orig := id.NewJobID()

	var scanned id.ID
	if err := scanned.Scan(orig.String()); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("scan mismatch: %q != %q", scanned.String(), orig.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil error: %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("scanning nil should yield the nil ID")
	}
}
