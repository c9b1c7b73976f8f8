package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// evaluationRubric asks a model to grade a system prompt. It is sent once
// at the end of a completed run, followed by the prompt under review.
const evaluationRubric = `You are a Prompt Evaluation Assistant.
You will receive a prompt written by a student. Your job is to review this prompt and assess how well it supports structured, step-by-step reasoning in an LLM (e.g., for math, logic, planning, or tool use).
Evaluate the prompt on the following criteria:
1. Explicit Reasoning Instructions
- Does the prompt tell the model to reason step-by-step?
- Does it include instructions like "explain your thinking" or "think before you answer"?
2. Structured Output Format
- Does the prompt enforce a predictable output format (e.g., FUNCTION_CALL, JSON, numbered steps)?
- Is the output easy to parse or validate?
3. Separation of Reasoning and Tools
- Are reasoning steps clearly separated from computation or tool-use steps?
- Is it clear when to calculate, when to verify, when to reason?
4. Conversation Loop Support
- Could this prompt work in a back-and-forth (multi-turn) setting?
- Is there a way to update the context with results from previous steps?
5. Instructional Framing
- Are there examples of desired behavior or "formats" to follow?
- Does the prompt define exactly how responses should look?
6. Internal Self-Checks
- Does the prompt instruct the model to self-verify or sanity-check intermediate steps?
7. Reasoning Type Awareness
- Does the prompt encourage the model to tag or identify the type of reasoning used (e.g., arithmetic, logic, lookup)?
8. Error Handling or Fallbacks
- Does the prompt specify what to do if an answer is uncertain, a tool fails, or the model is unsure?
9. Overall Clarity and Robustness
- Is the prompt easy to follow?
- Is it likely to reduce hallucination and drift?
---
Respond with a structured review in this JSON format:
{
"explicit_reasoning": true,
"structured_output": true,
"tool_separation": true,
"conversation_loop": true,
"instructional_framing": true,
"internal_self_checks": false,
"reasoning_type_awareness": false,
"fallbacks": false,
"overall_clarity": "Excellent structure, but could improve with self-checks and error fallbacks."
}`

// EvaluationPrompt returns the rubric followed by the system prompt under
// review. Only the system prompt is graded, never the run transcript.
func EvaluationPrompt(systemPrompt string) string {
	return evaluationRubric + "\n\nprompt:" + systemPrompt
}

// Critique is the rubric's JSON verdict.
type Critique struct {
	ExplicitReasoning      bool   `json:"explicit_reasoning"`
	StructuredOutput       bool   `json:"structured_output"`
	ToolSeparation         bool   `json:"tool_separation"`
	ConversationLoop       bool   `json:"conversation_loop"`
	InstructionalFraming   bool   `json:"instructional_framing"`
	InternalSelfChecks     bool   `json:"internal_self_checks"`
	ReasoningTypeAwareness bool   `json:"reasoning_type_awareness"`
	Fallbacks              bool   `json:"fallbacks"`
	OverallClarity         string `json:"overall_clarity"`
}

// criteriaCount is the number of boolean criteria in the rubric.
const criteriaCount = 8

// Score returns how many boolean criteria were met, out of eight.
func (c *Critique) Score() int {
	n := 0
	for _, ok := range []bool{
		c.ExplicitReasoning,
		c.StructuredOutput,
		c.ToolSeparation,
		c.ConversationLoop,
		c.InstructionalFraming,
		c.InternalSelfChecks,
		c.ReasoningTypeAwareness,
		c.Fallbacks,
	} {
		if ok {
			n++
		}
	}
	return n
}

// String summarizes the critique on one line.
func (c *Critique) String() string {
	return fmt.Sprintf("%d/%d criteria met: %s", c.Score(), criteriaCount, c.OverallClarity)
}

// ErrNoCritique is returned by ParseCritique when the text holds no JSON
// object.
var ErrNoCritique = errors.New("no critique object in evaluation text")

// ParseCritique extracts the rubric object from model output. Models
// often wrap it in a code fence or a sentence, so the outermost braces
// are located first.
func ParseCritique(text string) (*Critique, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrNoCritique
	}

	var c Critique
	if err := json.Unmarshal([]byte(text[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("parse critique: %w", err)
	}
	return &c, nil
}
