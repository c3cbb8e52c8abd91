package datastore

import (
	"encoding/json"
	"testing"
	"time"
)

func TestResultKey(t *testing.T) {
	key := ResultKey("abc123", "extractor", "4.0.1", "deadbeef")
	want := "abc123.extractor.v4.0.1.cdeadbeef"
	if key != want {
		t.Errorf("ResultKey = %q, want %q", key, want)
	}
}

func TestResultKeyMethod(t *testing.T) {
	r := Result{
		SHA256:         "abc123",
		ServiceName:    "extractor",
		ServiceVersion: "4.0.1",
		ConfigHash:     "deadbeef",
	}
	if r.Key() != ResultKey("abc123", "extractor", "4.0.1", "deadbeef") {
		t.Errorf("Result.Key() = %q, inconsistent with ResultKey", r.Key())
	}
}

func TestTaskErrorKey(t *testing.T) {
	tests := []struct {
		name string
		err  TaskError
		want string
	}{
		{
			name: "service error",
			err:  TaskError{SHA256: "abc", ServiceName: "scanner", SID: "sub-1"},
			want: "abc.scanner.sub-1",
		},
		{
			name: "no service falls back to dispatcher",
			err:  TaskError{SHA256: "abc", SID: "sub-1"},
			want: "abc.dispatcher.sub-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceDefinitionApplyDefaults(t *testing.T) {
	def := ServiceDefinition{Name: "scanner", Category: "static", Stage: "core"}
	def.ApplyDefaults()

	if def.FailureLimit != DefaultFailureLimit {
		t.Errorf("FailureLimit = %d, want %d", def.FailureLimit, DefaultFailureLimit)
	}
	if def.Version != "0" {
		t.Errorf("Version = %q, want %q", def.Version, "0")
	}

	def2 := ServiceDefinition{Name: "scanner", FailureLimit: 2, Version: "3.1"}
	def2.ApplyDefaults()
	if def2.FailureLimit != 2 || def2.Version != "3.1" {
		t.Errorf("ApplyDefaults overwrote explicit values: %+v", def2)
	}
}

func TestServiceDefinitionIsEnabled(t *testing.T) {
	var def ServiceDefinition
	if !def.IsEnabled() {
		t.Error("definition without enabled field not enabled")
	}

	on, off := true, false
	def.Enabled = &on
	if !def.IsEnabled() {
		t.Error("enabled=true reported disabled")
	}
	def.Enabled = &off
	if def.IsEnabled() {
		t.Error("enabled=false reported enabled")
	}
}

func TestExpirableRecords(t *testing.T) {
	now := time.Now()

	sub := &Submission{ExpiryTS: now}
	if !sub.ExpiresAt().Equal(now) {
		t.Error("Submission.ExpiresAt mismatch")
	}

	res := &Result{ExpiryTS: now}
	if !res.ExpiresAt().Equal(now) {
		t.Error("Result.ExpiresAt mismatch")
	}

	// Zero timestamp means never expires.
	var empty Result
	if !empty.ExpiresAt().IsZero() {
		t.Error("zero Result should have zero expiry")
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	sub := Submission{
		SID:                "sub-42",
		SelectedCategories: []string{"static"},
		Files:              []FileRef{{SHA256: "abc", Type: "document/pdf"}},
		Status:             SubmissionIncomplete,
		CreatedAt:          time.Now().UTC().Truncate(time.Second),
	}

	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Submission
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SID != sub.SID || got.Status != sub.Status || len(got.Files) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
