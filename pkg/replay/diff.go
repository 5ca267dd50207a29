package replay

import (
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"

	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// FieldDiff is one divergence between two states.
type FieldDiff struct {
	Namespace string
	ID        string
	Detail    string
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%s/%s: %s", d.Namespace, d.ID, d.Detail)
}

// Diff compares two states aggregate by aggregate. Empty result means the
// states are semantically identical (their canonical hashes agree).
func Diff(a, b engine.State) []FieldDiff {
	var diffs []FieldDiff

	namespaces := map[string]bool{}
	for ns := range a.Aggregates {
		namespaces[ns] = true
	}
	for ns := range b.Aggregates {
		namespaces[ns] = true
	}
	ordered := make([]string, 0, len(namespaces))
	for ns := range namespaces {
		ordered = append(ordered, ns)
	}
	sort.Strings(ordered)

	for _, ns := range ordered {
		ids := map[string]bool{}
		for id := range a.Aggregates[ns] {
			ids[id] = true
		}
		for id := range b.Aggregates[ns] {
			ids[id] = true
		}
		orderedIDs := make([]string, 0, len(ids))
		for id := range ids {
			orderedIDs = append(orderedIDs, id)
		}
		sort.Strings(orderedIDs)

		for _, id := range orderedIDs {
			av, aok := a.Get(ns, id)
			bv, bok := b.Get(ns, id)
			switch {
			case !aok:
				diffs = append(diffs, FieldDiff{ns, id, "only in second state"})
			case !bok:
				diffs = append(diffs, FieldDiff{ns, id, "only in first state"})
			default:
				if d := cmp.Diff(av, bv); d != "" {
					diffs = append(diffs, FieldDiff{ns, id, d})
				}
			}
		}
	}

	if a.Version != b.Version {
		diffs = append(diffs, FieldDiff{"", "version", fmt.Sprintf("%d != %d", a.Version, b.Version)})
	}
	return diffs
}
