package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func paintRegistry() *Registry {
	return NewRegistry(
		Descriptor{Name: "show_reasoning", Params: []Param{{"steps", "array"}}, Description: "Show the step-by-step reasoning process"},
		Descriptor{Name: "calculate", Params: []Param{{"expression", "string"}}, Description: "Calculate the result of an expression"},
		Descriptor{Name: "open_paint", Description: "Open Microsoft Paint"},
	)
}

func TestParseParams_KeepsPropertyOrder(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"y2": {"type": "integer"},
			"x1": {"type": "integer"},
			"text": {"type": "string"},
			"tags": {"type": ["string", "null"]},
			"mystery": {"description": "no type here"}
		},
		"required": ["x1"]
	}`)

	got, err := ParseParams(schema)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	want := []Param{
		{"y2", "integer"},
		{"x1", "integer"},
		{"text", "string"},
		{"tags", "string|null"},
		{"mystery", "unknown"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseParams() = %v, want %v", got, want)
	}
}

func TestParseParams_NoProperties(t *testing.T) {
	for _, schema := range []string{``, `null`, `{"type":"object"}`, `{"type":"object","properties":{}}`} {
		got, err := ParseParams(json.RawMessage(schema))
		if err != nil {
			t.Errorf("ParseParams(%q) error: %v", schema, err)
			continue
		}
		if len(got) != 0 {
			t.Errorf("ParseParams(%q) = %v, want none", schema, got)
		}
	}
}

func TestParseParams_Invalid(t *testing.T) {
	if _, err := ParseParams(json.RawMessage(`{"properties": [1, 2]}`)); err == nil {
		t.Error("ParseParams should reject non-object properties")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := paintRegistry()

	d, ok := r.Lookup("calculate")
	if !ok {
		t.Fatal("Lookup(calculate) not found")
	}
	if !d.HasParam("expression") || d.HasParam("steps") {
		t.Errorf("calculate params = %v", d.Params)
	}
	if r.Has("draw_rectangle_in_paint") {
		t.Error("Has(draw_rectangle_in_paint) = true, want false")
	}

	var nilReg *Registry
	if nilReg.Has("calculate") || nilReg.Len() != 0 {
		t.Error("nil registry should be empty")
	}
}

func TestRegistry_DuplicateReplacesInPlace(t *testing.T) {
	r := NewRegistry(
		Descriptor{Name: "a"},
		Descriptor{Name: "b"},
		Descriptor{Name: "a", Description: "second"},
	)
	if got := r.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Names() = %v, want [a b]", got)
	}
	if d, _ := r.Lookup("a"); d.Description != "second" {
		t.Errorf("a.Description = %q, want second", d.Description)
	}
}

func TestRegistry_Missing(t *testing.T) {
	r := paintRegistry()
	got := r.Missing("calculate", "send_email", "open_paint", "verify_calculation")
	want := []string{"send_email", "verify_calculation"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}
}

func TestRegistry_Describe(t *testing.T) {
	want := "1. show_reasoning(steps: array) - Show the step-by-step reasoning process\n" +
		"2. calculate(expression: string) - Calculate the result of an expression\n" +
		"3. open_paint(no parameters) - Open Microsoft Paint"
	if got := paintRegistry().Describe(); got != want {
		t.Errorf("Describe() =\n%s\nwant\n%s", got, want)
	}
}

func TestResult_Text(t *testing.T) {
	tests := []struct {
		name string
		r    *Result
		want string
	}{
		{"nil", nil, ""},
		{"single", &Result{Blocks: []string{"6"}}, "6"},
		{"multi", &Result{Blocks: []string{"a", "b"}}, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInvokerFunc(t *testing.T) {
	var gotName string
	inv := InvokerFunc(func(_ context.Context, name string, _ map[string]any) (*Result, error) {
		gotName = name
		return &Result{Blocks: []string{"ok"}}, nil
	})
	res, err := inv.Invoke(context.Background(), "open_paint", nil)
	if err != nil || res.Text() != "ok" || gotName != "open_paint" {
		t.Errorf("Invoke() = %v, %v (name %q)", res, err, gotName)
	}
}
