//go:build property
// +build property

package hashchain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
	"github.com/cybertechsoft/loopgrid/pkg/hashchain"
)

func decisionFrom(service, message string, seq int64) *contracts.Decision {
	input, _ := json.Marshal(map[string]string{"message": message})
	return &contracts.Decision{
		ID:             "dec_abcdefabcdef",
		SequenceNumber: seq,
		DecisionInput: contracts.DecisionInput{
			ServiceName:  service,
			DecisionType: "reply",
			Input:        input,
			Model:        contracts.ModelRef{Provider: "openai", Name: "gpt-4"},
			Output:       json.RawMessage(`{"response":"ok"}`),
		},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

// Property: ContentHash(d) == ContentHash(d) for any d
func TestContentHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("content hash is deterministic", prop.ForAll(
		func(service, message string, seq int64) bool {
			h1, err1 := hashchain.ContentHash(decisionFrom(service, message, seq))
			h2, err2 := hashchain.ContentHash(decisionFrom(service, message, seq))
			return err1 == nil && err2 == nil && h1 == h2 && len(h1) == 64
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}

// Property: changing the input message changes the content hash
func TestContentHashSensitivity(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("distinct inputs hash differently", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			ha, _ := hashchain.ContentHash(decisionFrom("svc", a, 1))
			hb, _ := hashchain.ContentHash(decisionFrom("svc", b, 1))
			return ha != hb
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: a sealed chain links each record to its predecessor
func TestSealLinksChain(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("sealed chain is linked", prop.ForAll(
		func(messages []string) bool {
			prev := hashchain.Genesis
			for i, m := range messages {
				d := decisionFrom("svc", m, int64(i))
				if err := hashchain.Seal(d, prev); err != nil {
					return false
				}
				if d.PreviousHash != prev || d.ChainHash != hashchain.ChainHash(d.ContentHash, prev) {
					return false
				}
				prev = d.ChainHash
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
