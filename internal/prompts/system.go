package prompts

import "fmt"

// systemTemplate is the instruction block sent at the head of every run.
// The single format verb receives the numbered tool listing.
const systemTemplate = `You are a math agent solving problems in iterations.
You have access to various mathematical tools.

Available tools:
%s

You must respond with EXACTLY ONE line in one of these formats (no additional text), and the payload must be JSON:
1. For function calls: {"name":"function_name","expression":"(value1 + value2)/value3"}
2. For reasoning calls: {"name":"function_name","reasoning_type":"type_of_reasoning","steps":[]}
3. For final answers: {"name":"result","status":"completed"}

Important:
- First, show reasoning and identify the type of reasoning used.
- Then, perform the calculation using the 'calculate' tool.
- Immediately after each 'calculate' call, use the 'verify_calculation' tool with the expression and the expected result to check if the calculation was correct.
- Once the final value is calculated, print the value in MS Paint.
- Once the value is printed, verify the response of the print action using 'verify_method_response'.
- When a function returns a response (other than 'calculate'), use the 'verify_method_response' tool to ensure the response is valid or as expected.
- Only give the final answer when you have completed all necessary calculations and verifications.
- Do not repeat function calls with the same parameters.

Examples:
- FUNCTION_CALL: {"name":"show_reasoning","reasoning_type":"arithmetic","steps":["1. First solve the expression inside the parentheses: 5 + 5","2. Then divide the result: (5 + 5)/2","3. Then open MS Paint and draw a rectangle","4. Next add the calculated result inside the rectangle","5. Finally complete the process"]}
- FUNCTION_CALL: {"name":"calculate","expression":"5 + 5"}
- FUNCTION_CALL: {"name":"verify_calculation","expression":"5 + 5","expected":"10"}
- FUNCTION_CALL: {"name":"calculate","expression":"(5 + 5)/2"}
- FUNCTION_CALL: {"name":"verify_calculation","expression":"(5 + 5)/2","expected":"5"}
- FUNCTION_CALL: {"name":"open_paint"}
- FUNCTION_CALL: {"name":"verify_method_response","status":"success"}
- FUNCTION_CALL: {"name":"draw_rectangle_in_paint","arguments":{"x1":780,"y1":380,"x2":1140,"y2":700}}
- FUNCTION_CALL: {"name":"add_text_in_rectangle","arguments":{"x1":780,"y1":380,"x2":1140,"y2":700,"text":"Final result is 5"}}
- FUNCTION_CALL: {"name":"verify_method_response","status":"success"}
- FUNCTION_CALL: {"name":"send_email","arguments":{"email":"%s","agent":"agent_calculator","result":"Final value is 5"}}
- FINAL_ANSWER: {"name":"result","status":"completed"}

DO NOT include any explanations or additional text.
Since this is an automated request, use the parameters shown in the Examples.
Your entire response should be a single line starting with either FUNCTION_CALL: or FINAL_ANSWER:`

// DefaultEmailRecipient is the address used in the send_email example
// when none is configured.
const DefaultEmailRecipient = "agent@example.com"

// noToolsListing stands in for an empty registry so the prompt still
// reads naturally.
const noToolsListing = "(no tools available)"

// SystemPrompt returns the run instructions with the tool listing
// (one "N. name(params) - description" line per tool) and the example
// email recipient interpolated.
func SystemPrompt(toolListing, emailRecipient string) string {
	if toolListing == "" {
		toolListing = noToolsListing
	}
	if emailRecipient == "" {
		emailRecipient = DefaultEmailRecipient
	}
	return fmt.Sprintf(systemTemplate, toolListing, emailRecipient)
}

// RunPrompt joins the system prompt and the user query into the head of
// the conversation. Turns are appended after it.
func RunPrompt(systemPrompt, query string) string {
	return systemPrompt + "\n\nQuery: " + query
}
