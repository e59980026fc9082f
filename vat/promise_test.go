package vat

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Promise semantics and the resolution collector
// ---------------------------------------------------------------------------

func TestResolveBatchIsTransitiveAndDuplicateFree(t *testing.T) {
	// Root settles two local promises, nests one inside the other's
	// resolution, then mentions the outer one in a send. The resolve batch
	// must carry both, each exactly once, outer first.
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		return InvokerFunc(func(method string, args []any) (any, error) {
			if method == "go" {
				target := args[0].(*Presence)
				inner, resolveInner, _ := p.MakePromiseKit()
				outer, resolveOuter, _ := p.MakePromiseKit()
				resolveInner("leaf")
				resolveOuter([]any{inner})
				target.Send("take", outer)
				return nil, nil
			}
			return nil, errors.New("unknown method")
		})
	})

	tv.dispatch(MessageDelivery(RootSlot, "go", kernelData(t, []any{kslot{"o-5", "thing"}}), ""))

	resolves := tv.sc.byOp("resolve")
	if len(resolves) != 1 {
		t.Fatalf("resolve batches = %d, want 1", len(resolves))
	}
	batch := resolves[0].resolutions
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2 (outer plus discovered inner)", len(batch))
	}
	seen := make(map[string]bool)
	for _, r := range batch {
		if seen[r.VPID] {
			t.Fatalf("vpid %s appears twice in one batch", r.VPID)
		}
		seen[r.VPID] = true
	}
	// The outer promise was the send argument, so it is discovered first;
	// the inner one surfaces from the outer's serialized resolution.
	outerVPID := tv.sc.byOp("send")[0].args.Slots[0]
	if batch[0].VPID != outerVPID {
		t.Errorf("batch order = [%s %s], want outer %s first", batch[0].VPID, batch[1].VPID, outerVPID)
	}
}

func TestResolvedVpidsNeverReappear(t *testing.T) {
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		var kept *Promise
		return InvokerFunc(func(method string, args []any) (any, error) {
			switch method {
			case "make":
				pr, resolve, _ := p.MakePromiseKit()
				kept = pr
				p.Retain(pr)
				resolve("done")
				args[0].(*Presence).Send("take", pr)
			case "again":
				args[0].(*Presence).Send("take", kept)
			}
			return nil, nil
		})
	})

	tv.dispatch(MessageDelivery(RootSlot, "make", kernelData(t, []any{kslot{"o-5", "thing"}}), ""))
	firstBatch := tv.sc.byOp("resolve")
	if len(firstBatch) != 1 {
		t.Fatalf("resolve batches = %d, want 1", len(firstBatch))
	}
	retired := firstBatch[0].resolutions[0].VPID

	tv.sc.reset()
	tv.dispatch(MessageDelivery(RootSlot, "again", kernelData(t, []any{kslot{"o-5", "thing"}}), ""))

	// The retired vpid must not reappear: re-exporting the settled promise
	// allocates a fresh vref.
	for _, call := range tv.sc.calls {
		if call.op == "send" && call.result == retired {
			t.Fatalf("retired vpid %s reused as a send result", retired)
		}
		for _, res := range call.resolutions {
			if res.VPID == retired {
				t.Fatalf("retired vpid %s mentioned in a later resolve", retired)
			}
		}
	}
}

func TestSubscribeAtMostOncePerImportedPromise(t *testing.T) {
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		return InvokerFunc(func(method string, args []any) (any, error) {
			if method == "watch" {
				p.Retain(args[0])
			}
			return nil, nil
		})
	})

	tv.dispatch(MessageDelivery(RootSlot, "watch", kernelData(t, []any{kslot{"p-3", "promise"}}), ""))
	tv.dispatch(MessageDelivery(RootSlot, "watch", kernelData(t, []any{kslot{"p-3", "promise"}}), ""))

	subs := tv.sc.byOp("subscribe")
	if len(subs) != 1 || subs[0].target != "p-3" {
		t.Fatalf("subscribes = %v, want exactly one for p-3", subs)
	}
}

func TestSendToLocalPendingPromiseDeliversAfterResolution(t *testing.T) {
	// A send through a locally-decided pending promise queues until the
	// promise settles, then routes to the resolved target.
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		return InvokerFunc(func(method string, args []any) (any, error) {
			if method == "go" {
				target := args[0].(*Presence)
				pr, resolve, _ := p.MakePromiseKit()
				pr.Send("late")
				resolve(target)
				return nil, nil
			}
			return nil, errors.New("unknown method")
		})
	})

	tv.dispatch(MessageDelivery(RootSlot, "go", kernelData(t, []any{kslot{"o-5", "thing"}}), ""))

	sends := tv.sc.byOp("send")
	if len(sends) != 1 || sends[0].target != "o-5" || sends[0].method != "late" {
		t.Fatalf("sends = %v, want one late send to o-5", sends)
	}
}

func TestRejectionPropagatesThroughThen(t *testing.T) {
	var got any
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		return InvokerFunc(func(method string, args []any) (any, error) {
			if method == "go" {
				pr, _, reject := p.MakePromiseKit()
				pr.Then(nil, nil).Then(nil, func(reason any) any {
					got = reason
					return nil
				})
				reject("bad news")
				return nil, nil
			}
			return nil, errors.New("unknown method")
		})
	})
	tv.dispatch(MessageDelivery(RootSlot, "go", kernelData(t, []any{}), ""))
	if got != "bad news" {
		t.Fatalf("rejection reason = %v, want bad news", got)
	}
}

func TestPipelineHandlerAfterResolutionThrows(t *testing.T) {
	var caught error
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		var pr *Promise
		return InvokerFunc(func(method string, args []any) (any, error) {
			switch method {
			case "watch":
				pr = args[0].(*Promise)
				p.Retain(pr)
			case "poke":
				func() {
					defer func() {
						caught, _ = AsMisuse(recover())
					}()
					pr.handler.send("late", nil)
				}()
			}
			return nil, nil
		})
	})

	tv.dispatch(MessageDelivery(RootSlot, "watch", kernelData(t, []any{kslot{"p-3", "promise"}}), ""))
	tv.dispatch(NotifyDelivery(Resolution{VPID: "p-3", Data: kernelData(t, "done")}))
	tv.dispatch(MessageDelivery(RootSlot, "poke", kernelData(t, []any{}), ""))

	if !errors.Is(caught, ErrHandlerAfterResolution) {
		t.Fatalf("caught = %v, want HandlerAfterResolution", caught)
	}
}
