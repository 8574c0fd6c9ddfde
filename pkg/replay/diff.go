package replay

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

const maxSummaryPaths = 5

// DiffOutputs walks two JSON documents and lists every added, removed or
// changed leaf. Objects are compared key by key in sorted order, arrays index
// by index. Paths use dots for keys and brackets for indexes ("a.b[2]").
func DiffOutputs(original, replayed json.RawMessage) ([]contracts.Change, error) {
	a, err := decode(original)
	if err != nil {
		return nil, fmt.Errorf("decode original output: %w", err)
	}
	b, err := decode(replayed)
	if err != nil {
		return nil, fmt.Errorf("decode replay output: %w", err)
	}
	changes := []contracts.Change{}
	walk("", a, b, &changes)
	return changes, nil
}

func walk(path string, a, b any, out *[]contracts.Change) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		keys := make([]string, 0, len(am)+len(bm))
		for k := range am {
			keys = append(keys, k)
		}
		for k := range bm {
			if _, ok := am[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			av, inA := am[k]
			bv, inB := bm[k]
			switch {
			case !inB:
				*out = append(*out, contracts.Change{Path: child, Kind: contracts.ChangeRemoved, Original: av})
			case !inA:
				*out = append(*out, contracts.Change{Path: child, Kind: contracts.ChangeAdded, Replay: bv})
			default:
				walk(child, av, bv, out)
			}
		}
		return
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		n := len(as)
		if len(bs) > n {
			n = len(bs)
		}
		for i := 0; i < n; i++ {
			child := fmt.Sprintf("%s[%d]", path, i)
			switch {
			case i >= len(bs):
				*out = append(*out, contracts.Change{Path: child, Kind: contracts.ChangeRemoved, Original: as[i]})
			case i >= len(as):
				*out = append(*out, contracts.Change{Path: child, Kind: contracts.ChangeAdded, Replay: bs[i]})
			default:
				walk(child, as[i], bs[i], out)
			}
		}
		return
	}

	if an, ok := a.(json.Number); ok {
		if bn, ok := b.(json.Number); ok && sameNumber(an, bn) {
			return
		}
	}
	if !reflect.DeepEqual(a, b) {
		*out = append(*out, contracts.Change{Path: path, Kind: contracts.ChangeChanged, Original: a, Replay: b})
	}
}

// sameNumber compares two JSON numbers by value, so 1.0 equals 1 and large
// integers compare exactly.
func sameNumber(a, b json.Number) bool {
	if a == b {
		return true
	}
	ra, okA := new(big.Rat).SetString(string(a))
	rb, okB := new(big.Rat).SetString(string(b))
	return okA && okB && ra.Cmp(rb) == 0
}

// summarize renders a one-line description of an output diff.
func summarize(changes []contracts.Change, mode contracts.ExecutionMode) string {
	if len(changes) == 0 {
		return fmt.Sprintf("Output unchanged after replay (%s execution)", mode)
	}
	paths := make([]string, 0, maxSummaryPaths)
	for i, c := range changes {
		if i == maxSummaryPaths {
			paths = append(paths, fmt.Sprintf("and %d more", len(changes)-maxSummaryPaths))
			break
		}
		p := c.Path
		if p == "" {
			p = "(root)"
		}
		paths = append(paths, fmt.Sprintf("%s %s", p, c.Kind))
	}
	return fmt.Sprintf("Output changed after replay (%s execution): %s", mode, strings.Join(paths, ", "))
}
