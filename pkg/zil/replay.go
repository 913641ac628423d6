package zil

import "fmt"

// ReplayFunc re-applies one itx's effect on mount. Replay callbacks are
// external collaborators (filesystem/volume logic this core doesn't
// own); this package only owns the enumeration and dispatch (spec.md
// §4.10: "replay callbacks are external collaborators; the core exposes
// the enumeration and dispatch").
type ReplayFunc func(itx Itx) error

// ReplayDispatch maps each TxType to the callback that re-applies it. A
// TxType with no registered callback is skipped rather than treated as
// an error — spec.md doesn't require every replay consumer to implement
// every txtype.
type ReplayDispatch map[TxType]ReplayFunc

// Replay walks chain oldest-to-newest, verifying each lwb before
// dispatching its itxs in logged order. The first lwb that fails to
// verify stops replay and truncates the log there: everything before it
// is applied, everything at or after it (including its own itxs) is
// discarded, matching spec.md §4.10's "if any lwb fails to verify or its
// BP is corrupt, replay stops and the log is truncated — synchronous
// writes after the failure point are lost but filesystem state remains
// consistent."
func Replay(chain []*LWB, dispatch ReplayDispatch) (applied int, err error) {
	for i, lwb := range chain {
		if !lwb.verify() {
			return applied, fmt.Errorf("zil: replay: lwb %d (seq %d) failed checksum verification, truncating log", i, lwb.Header.Sequence)
		}
		for _, itx := range lwb.Itxs {
			cb, ok := dispatch[itx.TxType]
			if !ok {
				continue
			}
			if err := cb(itx); err != nil {
				return applied, fmt.Errorf("zil: replay: lwb %d itx (txtype %s, object %d) failed: %w", i, itx.TxType, itx.Object, err)
			}
			applied++
		}
	}
	return applied, nil
}
