package replay

import (
	"sort"
	"strings"

	"github.com/cybertechsoft/loopgrid/pkg/llm"
)

// SimulationProvider names the built-in simulator in replay records.
const SimulationProvider = "simulation"

// Registry maps provider names to live invokers. Lookups are case-insensitive
// and resolve aliases ("claude" is "anthropic").
type Registry struct {
	invokers map[string]llm.Invoker
	aliases  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]llm.Invoker),
		aliases: map[string]string{
			"claude": "anthropic",
			"google": "gemini",
		},
	}
}

// Register installs the invoker for a provider, replacing any previous one.
func (r *Registry) Register(provider string, inv llm.Invoker) *Registry {
	r.invokers[r.canonical(provider)] = inv
	return r
}

// Lookup returns the canonical provider name and its invoker, if configured.
func (r *Registry) Lookup(provider string) (string, llm.Invoker, bool) {
	name := r.canonical(provider)
	inv := r.invokers[name]
	return name, inv, inv != nil
}

// Providers lists the providers with a live invoker.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.invokers))
	for name, inv := range r.invokers {
		if inv != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) canonical(provider string) string {
	name := strings.ToLower(strings.TrimSpace(provider))
	if alias, ok := r.aliases[name]; ok {
		return alias
	}
	return name
}
