package vat

import (
	"sort"
)

// ---------------------------------------------------------------------------
// Distributed GC engine
// ---------------------------------------------------------------------------

// drainGC runs after quiescence: force finalization, fold observed
// finalizations into the dead set, classify every dead vref, and flush the
// classification as sorted GC syscalls. The drain iterates while the
// virtual-object store reports further work (a dropped representative may
// have released another import).
func (ls *Liveslots) drainGC() {
	for round := 0; ; round++ {
		if ls.cfg.GCDrainLimit > 0 && round >= ls.cfg.GCDrainLimit {
			logGC.Warningf("gc drain stopped after %d rounds with work remaining", round)
			return
		}

		for _, fin := range ls.tools.GCAndFinalize() {
			ls.observeFinalization(fin.Token, fin.Val)
		}
		for _, slot := range ls.vom.TakeDeadImports() {
			// Only report imports with no live in-vat reference; a live
			// presence keeps the vref reachable regardless of store state.
			if _, live := ls.slotToVal[slot]; !live {
				ls.deadSet[slot] = struct{}{}
			}
		}

		if len(ls.deadSet) == 0 {
			return
		}

		slots := make([]string, 0, len(ls.deadSet))
		for slot := range ls.deadSet {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		ls.deadSet = make(map[string]struct{})

		var dropImports, retireImports, retireExports []string
		more := false
		for _, slot := range slots {
			vr, err := ParseVref(slot)
			if err != nil {
				logGC.Errorf("dead set holds unparsable vref %s", slot)
				continue
			}
			switch {
			case !vr.Kernel && vr.Virtual:
				if ls.vom.DroppedRepresentative(slot) {
					more = true
				}
			case !vr.Kernel:
				retireExports = append(retireExports, slot)
			default:
				if ls.vom.Reachable(slot) {
					// Virtualized state still references the import; it will
					// resurface through TakeDeadImports when released.
					continue
				}
				dropImports = append(dropImports, slot)
				if !ls.recognizable(slot) {
					retireImports = append(retireImports, slot)
				}
			}
		}

		// Each list is already in sorted order because the dead set was
		// walked sorted; flush non-empty lists in a single syscall apiece.
		if len(dropImports) > 0 {
			ls.sc.DropImports(dropImports)
		}
		if len(retireImports) > 0 {
			ls.sc.RetireImports(retireImports)
		}
		if len(retireExports) > 0 {
			ls.sc.RetireExports(retireExports)
		}
		if !more && len(dropImports) == 0 && len(retireImports) == 0 && len(retireExports) == 0 {
			return
		}
	}
}

// observeFinalization folds one finalizer notification into the dead set.
// Stale callbacks from an earlier incarnation of a re-introduced vref are
// discarded; the identity table entry for the collected value is scrubbed
// either way.
func (ls *Liveslots) observeFinalization(slot string, val any) {
	scrub := func() {
		if val == nil {
			return
		}
		// The value may have been re-registered under a fresh vref since
		// this notification was queued; only scrub a mapping we still own.
		if cur, ok := ls.valToSlot[val]; ok && cur == slot {
			delete(ls.valToSlot, val)
		}
		if p, ok := val.(*Presence); ok {
			delete(ls.disavowed, p)
		}
	}

	cell, ok := ls.slotToVal[slot]
	if !ok {
		// Retired or disavowed between collection and finalization.
		scrub()
		return
	}
	if _, live := cell.Deref(); live {
		// A fresh incarnation was registered after this one was collected.
		scrub()
		return
	}
	delete(ls.slotToVal, slot)
	scrub()
	ls.deadSet[slot] = struct{}{}
}
