package directive

import (
	"encoding/json"
	"fmt"
)

// Encode renders d as its canonical single-line wire JSON, with every
// field at the top level. Parse(Encode(d), ...) yields an equivalent
// directive.
func Encode(d Directive) (string, error) {
	var v any
	switch d := d.(type) {
	case *Reason:
		steps := d.Steps
		if steps == nil {
			steps = []string{}
		}
		v = struct {
			Name          string   `json:"name"`
			ReasoningType string   `json:"reasoning_type,omitempty"`
			Steps         []string `json:"steps"`
		}{d.Name(), d.ReasoningType, steps}
	case *Calculate:
		v = struct {
			Name       string `json:"name"`
			Expression string `json:"expression"`
		}{d.Name(), d.Expression}
	case *VerifyCalculation:
		v = struct {
			Name       string `json:"name"`
			Expression string `json:"expression"`
			Expected   string `json:"expected"`
		}{d.Name(), d.Expression, d.Expected}
	case *OpenTool:
		v = struct {
			Name string `json:"name"`
		}{d.Name()}
	case *VerifyMethodResponse:
		v = struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		}{d.Name(), d.Status}
	case *DrawRectangle:
		v = struct {
			Name string `json:"name"`
			X1   int    `json:"x1"`
			Y1   int    `json:"y1"`
			X2   int    `json:"x2"`
			Y2   int    `json:"y2"`
		}{d.Name(), d.X1, d.Y1, d.X2, d.Y2}
	case *AddText:
		v = struct {
			Name string `json:"name"`
			X1   int    `json:"x1"`
			Y1   int    `json:"y1"`
			X2   int    `json:"x2"`
			Y2   int    `json:"y2"`
			Text string `json:"text"`
		}{d.Name(), d.X1, d.Y1, d.X2, d.Y2, d.Text}
	case *SendEmail:
		v = struct {
			Name   string `json:"name"`
			To     string `json:"to"`
			Agent  string `json:"agent"`
			Result string `json:"result"`
		}{d.Name(), d.To, d.Agent, d.Result}
	case *Result:
		v = struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		}{d.Name(), d.Status}
	default:
		return "", fmt.Errorf("encode directive: unsupported type %T", d)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode directive: %w", err)
	}
	return string(data), nil
}

// Line renders d the way a model is asked to emit it, with the
// FUNCTION_CALL: or FINAL_ANSWER: marker.
func Line(d Directive) (string, error) {
	s, err := Encode(d)
	if err != nil {
		return "", err
	}
	if IsTerminal(d) {
		return MarkerFinalAnswer + s, nil
	}
	return MarkerFunctionCall + s, nil
}
