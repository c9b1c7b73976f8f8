package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/stepwise/internal/tools"
)

// Markers a model may put in front of the JSON object.
const (
	MarkerFunctionCall = "FUNCTION_CALL:"
	MarkerFinalAnswer  = "FINAL_ANSWER:"
)

// Parse error kinds. Match them with errors.Is.
var (
	ErrEmptyOutput      = errors.New("empty model output")
	ErrMarkerMismatch   = errors.New("FINAL_ANSWER marker on a non-result directive")
	ErrMalformedJSON    = errors.New("output is not a single JSON object")
	ErrMissingName      = errors.New("directive has no name")
	ErrUnknownDirective = errors.New("unknown directive")
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidField     = errors.New("invalid field value")
)

// ParseError describes why model output could not become a Directive.
type ParseError struct {
	// Kind is one of the Err* sentinels above.
	Kind error
	// Name is the directive name, when one was read.
	Name string
	// Field is the offending field for MissingField and InvalidField.
	Field string
	// Err is the underlying decoding error, if any.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse directive")
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " %q", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the sentinel kind.
func (e *ParseError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying decoding error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

type options struct {
	lenient bool
}

// Option adjusts parsing.
type Option func(*options)

// Lenient lets missing fields decode as zero values instead of failing.
// Wrongly-typed fields still fail.
func Lenient() Option {
	return func(o *options) { o.lenient = true }
}

// Clean strips code fences, surrounding whitespace and one leading
// marker from raw model output. final reports a FINAL_ANSWER marker.
func Clean(raw string) (text string, final bool) {
	text = strings.ReplaceAll(raw, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	if rest, ok := strings.CutPrefix(text, MarkerFunctionCall); ok {
		text = strings.TrimSpace(rest)
	} else if rest, ok := strings.CutPrefix(text, MarkerFinalAnswer); ok {
		text = strings.TrimSpace(rest)
		final = true
	}
	return text, final
}

// Parse turns one line of model output into a Directive. When reg is
// non-nil, names are checked against it: a fixed-kind name the server
// did not advertise is unknown, and an advertised name with no fixed
// kind parses as a Reason for that tool. Parse has no side effects.
func Parse(raw string, reg *tools.Registry, opts ...Option) (Directive, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	text, final := Clean(raw)
	if text == "" {
		return nil, &ParseError{Kind: ErrEmptyOutput}
	}

	obj, err := decodeObject(text)
	if err != nil {
		return nil, &ParseError{Kind: ErrMalformedJSON, Err: err}
	}

	var name string
	nameRaw, ok := obj["name"]
	if !ok || json.Unmarshal(nameRaw, &name) != nil || name == "" {
		return nil, &ParseError{Kind: ErrMissingName}
	}
	if final && name != NameResult {
		return nil, &ParseError{Kind: ErrMarkerMismatch, Name: name}
	}

	kind, fixed := kindsByName[name]
	switch {
	case fixed && kind != KindResult && reg != nil && !reg.Has(name):
		return nil, &ParseError{Kind: ErrUnknownDirective, Name: name}
	case !fixed && reg != nil && reg.Has(name):
		kind = KindReason
	case !fixed:
		return nil, &ParseError{Kind: ErrUnknownDirective, Name: name}
	}

	f, err := newFields(name, obj, o.lenient)
	if err != nil {
		return nil, err
	}
	src := source{raw: text}

	var d Directive
	switch kind {
	case KindReason:
		r := &Reason{source: src, Tool: name}
		r.ReasoningType = f.optionalText("reasoning_type")
		r.Steps = f.stringList("steps")
		d = r
	case KindCalculate:
		d = &Calculate{source: src, Expression: f.text("expression")}
	case KindVerifyCalculation:
		d = &VerifyCalculation{
			source:     src,
			Expression: f.text("expression"),
			Expected:   f.text("expected"),
		}
	case KindOpenTool:
		d = &OpenTool{source: src}
	case KindVerifyMethodResponse:
		d = &VerifyMethodResponse{source: src, Status: f.text("status")}
	case KindDrawRectangle:
		d = &DrawRectangle{
			source: src,
			X1:     f.coord("x1"),
			Y1:     f.coord("y1"),
			X2:     f.coord("x2"),
			Y2:     f.coord("y2"),
		}
	case KindAddText:
		d = &AddText{
			source: src,
			X1:     f.coord("x1"),
			Y1:     f.coord("y1"),
			X2:     f.coord("x2"),
			Y2:     f.coord("y2"),
			Text:   f.text("text"),
		}
	case KindSendEmail:
		// "email" is accepted as an alias of "to".
		toKey := "to"
		if f.lookup("to") == nil && f.lookup("email") != nil {
			toKey = "email"
		}
		d = &SendEmail{
			source: src,
			To:     f.text(toKey),
			Agent:  f.text("agent"),
			Result: f.text("result"),
		}
	case KindResult:
		d = &Result{source: src, Status: f.optionalText("status")}
	}

	if f.err != nil {
		return nil, f.err
	}
	return d, nil
}

// decodeObject requires text to be exactly one JSON object.
func decodeObject(text string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("null is not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON object")
	}
	return obj, nil
}

// fields reads kind-specific values from the top level of the object,
// falling back to a nested "arguments" object. The first error sticks;
// later reads return zero values.
type fields struct {
	name    string
	top     map[string]json.RawMessage
	args    map[string]json.RawMessage
	lenient bool
	err     error
}

func newFields(name string, top map[string]json.RawMessage, lenient bool) (*fields, error) {
	f := &fields{name: name, top: top, lenient: lenient}
	if raw, ok := top["arguments"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &f.args); err != nil {
			return nil, &ParseError{Kind: ErrInvalidField, Name: name, Field: "arguments", Err: err}
		}
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// lookup returns the raw value of key, or nil when absent or null.
func (f *fields) lookup(key string) json.RawMessage {
	if raw, ok := f.top[key]; ok && !isNull(raw) {
		return raw
	}
	if raw, ok := f.args[key]; ok && !isNull(raw) {
		return raw
	}
	return nil
}

func (f *fields) fail(kind error, key string, err error) {
	if f.err == nil {
		f.err = &ParseError{Kind: kind, Name: f.name, Field: key, Err: err}
	}
}

// required returns the raw value of key, recording MissingField when it
// is absent and parsing is strict.
func (f *fields) required(key string) json.RawMessage {
	raw := f.lookup(key)
	if raw == nil && !f.lenient {
		f.fail(ErrMissingField, key, nil)
	}
	return raw
}

// text reads a required text field. Numbers are accepted and kept in
// their literal form, since models often write "expected": 6.
func (f *fields) text(key string) string {
	return f.decodeString(key, f.required(key))
}

func (f *fields) optionalText(key string) string {
	return f.decodeString(key, f.lookup(key))
}

func (f *fields) decodeString(key string, raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	f.fail(ErrInvalidField, key, fmt.Errorf("want string, got %s", raw))
	return ""
}

// coord reads a required integer coordinate. Integer strings such as
// "780" are accepted.
func (f *fields) coord(key string) int {
	raw := f.required(key)
	if raw == nil {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		f.fail(ErrInvalidField, key, fmt.Errorf("want integer, got %s", raw))
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		f.fail(ErrInvalidField, key, fmt.Errorf("want integer, got %s", raw))
		return 0
	}
	return int(v)
}

// stringList reads a required array of strings.
func (f *fields) stringList(key string) []string {
	raw := f.required(key)
	if raw == nil {
		return nil
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		f.fail(ErrInvalidField, key, fmt.Errorf("want array of strings, got %s", raw))
		return nil
	}
	return v
}
