package jobtype

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"campus-job-queue/internal/models"
)

func noop(_ context.Context, _ models.Job) (StepResult, error) {
	return Done(nil), nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("test.noop", ExecutorFunc(noop), nil)

	if _, ok := r.Resolve("test.noop"); !ok {
		t.Fatalf("registered type not resolvable")
	}
	if _, ok := r.Resolve("test.ghost"); ok {
		t.Fatalf("unregistered type resolvable")
	}
}

func TestRegistryValidateUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("test.ghost", nil)
	if !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestRegistryValidateMalformedJSON(t *testing.T) {
	r := NewRegistry()
	r.Register("test.noop", ExecutorFunc(noop), nil)
	if err := r.Validate("test.noop", json.RawMessage(`{broken`)); err == nil {
		t.Fatalf("malformed payload must be rejected")
	}
}

func TestRegistryValidatorRuns(t *testing.T) {
	r := NewRegistry()
	r.Register("test.strict", ExecutorFunc(noop), func(payload json.RawMessage) error {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p.Name == "" {
			return errors.New("name is required")
		}
		return nil
	})

	if err := r.Validate("test.strict", json.RawMessage(`{"name":"ok"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := r.Validate("test.strict", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("validator must reject missing name")
	}
}

func TestOutcomeConstructors(t *testing.T) {
	if res := Fail("bad %s", "input"); res.Outcome != OutcomeFailed || res.Err != "bad input" {
		t.Fatalf("Fail wrong: %+v", res)
	}
	if res := ContinueYield(nil, Progress{}); !res.Yield || res.Outcome != OutcomeContinue {
		t.Fatalf("ContinueYield wrong: %+v", res)
	}
	if OutcomeDone.String() != "done" || OutcomeContinue.String() != "continue" {
		t.Fatalf("outcome strings wrong")
	}
}
