package replay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

// billingKeywords trigger the canned billing answer for improved prompts.
var billingKeywords = []string{"charged twice", "double charge", "duplicate", "billing"}

const billingResolution = "I can see there's a duplicate charge on your account. " +
	"I've initiated a refund which will appear in 3-5 business days. Is there anything else I can help with?"

// Simulator synthesizes a representative replay output without any network
// call. It is a pure function of the source output and the effective input,
// so identical replays always produce identical output.
type Simulator struct{}

// Simulate returns the source output unless the prompt was overridden with an
// improved ("v2" or "improved") template, in which case the response text is
// rewritten to reflect the new prompt.
func (Simulator) Simulate(d *contracts.Decision, eff contracts.EffectiveInput, o *contracts.Overrides) (json.RawMessage, error) {
	if o == nil || len(o.Prompt) == 0 {
		return d.Output, nil
	}
	template := promptField(o.Prompt, "template")
	if !strings.Contains(template, "v2") && !strings.Contains(template, "improved") {
		return d.Output, nil
	}

	// json.Number keeps untouched numeric fields byte-identical on re-encode.
	doc, err := decode(d.Output)
	out, ok := doc.(map[string]any)
	if err != nil || !ok {
		out = map[string]any{}
	}
	inputText := strings.ToLower(string(eff.Input))
	for _, kw := range billingKeywords {
		if strings.Contains(inputText, kw) {
			out["response"] = billingResolution
			return json.Marshal(out)
		}
	}
	original, _ := out["response"].(string)
	out["response"] = fmt.Sprintf("[Improved with %s] %s", template, original)
	return json.Marshal(out)
}

// promptField reads a string field from a prompt object.
func promptField(prompt json.RawMessage, key string) string {
	var m map[string]any
	if len(prompt) == 0 || json.Unmarshal(prompt, &m) != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// systemPrompt picks the prompt text handed to a live model.
func systemPrompt(prompt json.RawMessage) string {
	if text := promptField(prompt, "text"); text != "" {
		return text
	}
	return promptField(prompt, "template")
}

// userMessage is input.message when present, else the whole input document.
func userMessage(input json.RawMessage) string {
	var m map[string]any
	if json.Unmarshal(input, &m) == nil {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return string(input)
}
