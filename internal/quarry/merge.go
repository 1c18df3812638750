package quarry

import (
	"fmt"
	"reflect"
)

// Merge performs a three-way merge of flat JSON-object-like documents.
// ancestor is the common base, theirs the upstream (committed) branch and
// mine the local (workspace) branch:
//
//	ancestor - ... - theirs      [global]
//	        \
//	         - ... - mine        [workspace]
//
// Keys added or changed on exactly one side are accepted; identical changes
// on both sides are accepted; a deletion on one side is accepted only when
// the other side left the key untouched. Any other combination returns
// ErrConflict and no partial result. The inputs are never mutated.
func Merge(ancestor, theirs, mine Document) (Document, error) {
	result := mine.Copy()

	keys := make(map[string]struct{}, len(ancestor)+len(theirs)+len(mine))
	for _, d := range []Document{ancestor, theirs, mine} {
		for k := range d {
			keys[k] = struct{}{}
		}
	}

	for k := range keys {
		av, inAncestor := ancestor[k]
		tv, inTheirs := theirs[k]
		mv, inMine := mine[k]

		if inAncestor {
			// The key existed before: sides either modified it, left it
			// alone, or deleted it.
			switch {
			case inTheirs && inMine:
				switch {
				case equalValue(tv, mv):
					// Same modification, or no modification at all.
				case equalValue(av, tv):
					// Only mine changed it; keep mine.
				case equalValue(av, mv):
					// Only theirs changed it; take theirs.
					result[k] = tv
				default:
					return nil, fmt.Errorf("%w: key %q modified on both sides", ErrConflict, k)
				}
			case inTheirs:
				// Mine deleted the key.
				if !equalValue(tv, av) {
					return nil, fmt.Errorf("%w: key %q changed upstream but deleted locally", ErrConflict, k)
				}
				// Theirs left it unchanged; accept the deletion.
			case inMine:
				// Theirs deleted the key.
				if !equalValue(mv, av) {
					return nil, fmt.Errorf("%w: key %q changed locally but deleted upstream", ErrConflict, k)
				}
				delete(result, k)
			}
			continue
		}

		// The key did not exist before: any presence is an addition.
		switch {
		case inTheirs && inMine:
			if !equalValue(tv, mv) {
				return nil, fmt.Errorf("%w: key %q added on both sides with different values", ErrConflict, k)
			}
		case inTheirs:
			result[k] = tv
		}
	}

	return result, nil
}

// equalValue compares two decoded JSON values. reflect.DeepEqual is correct
// for the types encoding/json produces (string, float64, bool, nil, []any,
// map[string]any).
func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
