// Package directive defines the closed set of instructions a model may
// emit in one turn, and parses them from raw model output.
//
// A directive is a single JSON object whose "name" selects the kind:
//
//	FUNCTION_CALL:{"name":"calculate","expression":"(10+2)/2"}
//	FINAL_ANSWER:{"name":"result","status":"completed"}
//
// The marker prefix is optional. Kind-specific fields may sit at the top
// level or inside an "arguments" object.
package directive

// Kind identifies a directive variant.
type Kind int

// Directive kinds.
const (
	KindReason Kind = iota + 1
	KindCalculate
	KindVerifyCalculation
	KindOpenTool
	KindVerifyMethodResponse
	KindDrawRectangle
	KindAddText
	KindSendEmail
	KindResult
)

// Wire names of the fixed kinds.
const (
	NameShowReasoning        = "show_reasoning"
	NameCalculate            = "calculate"
	NameVerifyCalculation    = "verify_calculation"
	NameOpenPaint            = "open_paint"
	NameVerifyMethodResponse = "verify_method_response"
	NameDrawRectangle        = "draw_rectangle_in_paint"
	NameAddText              = "add_text_in_rectangle"
	NameSendEmail            = "send_email"
	NameResult               = "result"
)

var kindNames = map[Kind]string{
	KindReason:               NameShowReasoning,
	KindCalculate:            NameCalculate,
	KindVerifyCalculation:    NameVerifyCalculation,
	KindOpenTool:             NameOpenPaint,
	KindVerifyMethodResponse: NameVerifyMethodResponse,
	KindDrawRectangle:        NameDrawRectangle,
	KindAddText:              NameAddText,
	KindSendEmail:            NameSendEmail,
	KindResult:               NameResult,
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

// String returns the kind's wire name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Names returns the wire names of every tool-backed kind, i.e. all
// kinds except result.
func Names() []string {
	return []string{
		NameShowReasoning,
		NameCalculate,
		NameVerifyCalculation,
		NameOpenPaint,
		NameVerifyMethodResponse,
		NameDrawRectangle,
		NameAddText,
		NameSendEmail,
	}
}

// Directive is one parsed model instruction. The set of implementations
// is closed; switch on the concrete type to handle each kind.
type Directive interface {
	Kind() Kind
	// Name is the tool the directive targets ("result" for Result).
	Name() string
	// Raw is the cleaned source text the directive was parsed from.
	Raw() string

	directive()
}

type source struct {
	raw string
}

func (s source) Raw() string { return s.raw }
func (source) directive() {}

// Reason asks the server to record the model's reasoning steps. Tool is
// show_reasoning, or another advertised tool that has no fixed kind.
type Reason struct {
	source
	Tool          string
	ReasoningType string
	Steps         []string
}

// Calculate evaluates an arithmetic expression.
type Calculate struct {
	source
	Expression string
}

// VerifyCalculation checks that Expression evaluates to Expected.
type VerifyCalculation struct {
	source
	Expression string
	Expected   string
}

// OpenTool opens the drawing canvas.
type OpenTool struct {
	source
}

// VerifyMethodResponse confirms the status of the previous action.
type VerifyMethodResponse struct {
	source
	Status string
}

// DrawRectangle draws a rectangle between two corners.
type DrawRectangle struct {
	source
	X1, Y1, X2, Y2 int
}

// AddText writes Text inside the rectangle between two corners.
type AddText struct {
	source
	X1, Y1, X2, Y2 int
	Text           string
}

// SendEmail reports the final result to a recipient.
type SendEmail struct {
	source
	To     string
	Agent  string
	Result string
}

// Result ends the run. It is never dispatched to a tool.
type Result struct {
	source
	Status string
}

func (d *Reason) Kind() Kind { return KindReason }
func (d *Reason) Name() string {
	if d.Tool == "" {
		return NameShowReasoning
	}
	return d.Tool
}

func (*Calculate) Kind() Kind { return KindCalculate }
func (*Calculate) Name() string { return NameCalculate }
func (*VerifyCalculation) Kind() Kind { return KindVerifyCalculation }
func (*VerifyCalculation) Name() string { return NameVerifyCalculation }
func (*OpenTool) Kind() Kind { return KindOpenTool }
func (*OpenTool) Name() string { return NameOpenPaint }
func (*VerifyMethodResponse) Kind() Kind { return KindVerifyMethodResponse }
func (*VerifyMethodResponse) Name() string { return NameVerifyMethodResponse }
func (*DrawRectangle) Kind() Kind { return KindDrawRectangle }
func (*DrawRectangle) Name() string { return NameDrawRectangle }
func (*AddText) Kind() Kind { return KindAddText }
func (*AddText) Name() string { return NameAddText }
func (*SendEmail) Kind() Kind { return KindSendEmail }
func (*SendEmail) Name() string { return NameSendEmail }
func (*Result) Kind() Kind { return KindResult }
func (*Result) Name() string { return NameResult }

// IsTerminal reports whether d ends the run.
func IsTerminal(d Directive) bool {
	_, ok := d.(*Result)
	return ok
}
