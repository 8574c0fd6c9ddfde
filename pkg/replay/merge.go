package replay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
)

// Effective overlays sparse overrides onto the source decision's prompt, model
// and input. Objects merge recursively; any other override value replaces the
// source value. Fields the overrides do not name are left untouched.
func Effective(d *contracts.Decision, o *contracts.Overrides) (contracts.EffectiveInput, error) {
	eff := contracts.EffectiveInput{
		Prompt: d.Prompt,
		Model:  d.Model,
		Input:  d.Input,
	}
	if o.IsEmpty() {
		return eff, nil
	}

	var err error
	if len(o.Prompt) > 0 {
		if eff.Prompt, err = mergeJSON(d.Prompt, o.Prompt); err != nil {
			return eff, fmt.Errorf("merge prompt: %w", err)
		}
	}
	if len(o.Input) > 0 {
		if eff.Input, err = mergeJSON(d.Input, o.Input); err != nil {
			return eff, fmt.Errorf("merge input: %w", err)
		}
	}
	if o.Model != nil {
		eff.Model = mergeModel(d.Model, o.Model)
	}
	return eff, nil
}

func mergeModel(base contracts.ModelRef, o *contracts.ModelOverride) contracts.ModelRef {
	out := base
	if o.Provider != "" {
		out.Provider = o.Provider
	}
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.Version != "" {
		out.Version = o.Version
	}
	if len(o.Parameters) > 0 {
		params := make(map[string]any, len(base.Parameters)+len(o.Parameters))
		for k, v := range base.Parameters {
			params[k] = v
		}
		for k, v := range o.Parameters {
			params[k] = v
		}
		out.Parameters = params
	}
	return out
}

func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(base)) == 0 {
		return patch, nil
	}
	b, err := decode(base)
	if err != nil {
		return nil, err
	}
	p, err := decode(patch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mergeValue(b, p))
}

func mergeValue(base, patch any) any {
	bm, okB := base.(map[string]any)
	pm, okP := patch.(map[string]any)
	if !okB || !okP {
		return patch
	}
	out := make(map[string]any, len(bm)+len(pm))
	for k, v := range bm {
		out[k] = v
	}
	for k, v := range pm {
		out[k] = mergeValue(bm[k], v)
	}
	return out
}

// decode keeps numbers as json.Number so they re-encode unchanged.
func decode(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// changedInputFields names which of prompt, model and input differ between the
// source decision and the replay's effective input.
func changedInputFields(d *contracts.Decision, eff contracts.EffectiveInput) []string {
	changed := []string{}
	if !hashchain.Equal(d.Prompt, eff.Prompt) {
		changed = append(changed, "prompt")
	}
	if !hashchain.Equal(d.Model, eff.Model) {
		changed = append(changed, "model")
	}
	if !hashchain.Equal(d.Input, eff.Input) {
		changed = append(changed, "input")
	}
	return changed
}
