package binding

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rendis/floe/pkg/schema"
)

func TestGoJQSingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), ".items | length", map[string]any{
		"items": []any{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != 3 {
		t.Errorf("got %v, want 3", got)
	}
}

func TestGoJQMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), ".items[].name", map[string]any{
		"items": []any{
			map[string]any{"name": "a"},
			map[string]any{"name": "b"},
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := []any{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGoJQNormalizesInts(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), ".n * 2", map[string]any{"n": 21})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != float64(42) {
		t.Errorf("got %v (%T), want 42", got, got)
	}
}

func TestGoJQParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[unclosed", map[string]any{})
	var fe *schema.FloeError
	if !errors.As(err, &fe) || fe.Code != schema.ErrCodeBinding {
		t.Fatalf("expected BINDING_ERROR, got %v", err)
	}
}

func TestGoJQEnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for blocked env access, got %v", got)
	}
}
