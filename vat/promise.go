package vat

// ---------------------------------------------------------------------------
// Promises
// ---------------------------------------------------------------------------

type promiseState int

const (
	promisePending promiseState = iota
	promiseFulfilled
	promiseRejected
)

// Promise is a single-assignment eventual result. Settlement is recorded
// synchronously; reactions always run as later microtasks on the vat
// queue. A promise that has been exposed to the kernel carries a vref and
// an unresolved pipeline handler.
type Promise struct {
	ls      *Liveslots
	state   promiseState
	result  any
	cbs     []promiseCallback
	slot    string
	handler *pipelineHandler
}

type promiseCallback struct {
	onFulfilled func(any) any
	onRejected  func(any) any
	next        *Promise
}

// pipelineHandler forwards sends targeted at an unresolved kernel-known
// promise. Using it after resolution is a programming error.
type pipelineHandler struct {
	p       *Promise
	retired bool
}

func (h *pipelineHandler) send(method string, args []any) *Promise {
	if h.retired {
		throwMisuse(ErrHandlerAfterResolution, "send %q via %s", method, h.p.slot)
	}
	return h.p.ls.queueMessage(h.p.slot, method, args)
}

func (p *Promise) PassByCapability() string { return "promise" }

// newPromise creates an unregistered local promise with its resolver pair.
func (ls *Liveslots) newPromise() (*Promise, func(any), func(any)) {
	p := &Promise{ls: ls}
	p.handler = &pipelineHandler{p: p}
	return p, p.fulfill, p.rejectWith
}

// IsSettled reports whether the promise has been resolved or rejected.
func (p *Promise) IsSettled() bool { return p.state != promisePending }

// Then registers reactions and returns the derived promise. Either
// callback may be nil, in which case the settlement passes through.
// Reactions run as microtasks.
func (p *Promise) Then(onFulfilled, onRejected func(any) any) *Promise {
	next := &Promise{ls: p.ls}
	next.handler = &pipelineHandler{p: next}
	cb := promiseCallback{onFulfilled: onFulfilled, onRejected: onRejected, next: next}
	if p.state == promisePending {
		p.cbs = append(p.cbs, cb)
	} else {
		p.scheduleCallback(cb)
	}
	return next
}

// Send issues an eventual send through this promise. Unresolved
// kernel-known promises pipeline via their vref; everything else routes to
// the eventual resolution.
func (p *Promise) Send(method string, args ...any) *Promise {
	switch p.state {
	case promisePending:
		if p.slot != "" {
			if _, imported := p.ls.importedPromises[p.slot]; imported {
				return p.handler.send(method, args)
			}
		}
		// Locally-decided pending promise: deliver once it settles.
		next := p.Then(func(v any) any {
			return p.ls.sendToValue(v, method, args)
		}, nil)
		return next
	case promiseFulfilled:
		return p.ls.sendToValue(p.result, method, args)
	default:
		out, _, reject := p.ls.newPromise()
		reject(p.result)
		return out
	}
}

// fulfill resolves the promise. Resolving with another promise adopts its
// eventual settlement.
func (p *Promise) fulfill(v any) {
	if p.state != promisePending {
		return
	}
	if vp, ok := v.(*Promise); ok {
		if vp == p {
			p.settle(promiseRejected, "promise resolution cycle")
			return
		}
		vp.Then(func(inner any) any {
			p.fulfill(inner)
			return nil
		}, func(reason any) any {
			p.rejectWith(reason)
			return nil
		})
		return
	}
	p.settle(promiseFulfilled, v)
}

func (p *Promise) rejectWith(reason any) {
	if p.state != promisePending {
		return
	}
	p.settle(promiseRejected, reason)
}

func (p *Promise) settle(state promiseState, result any) {
	p.state = state
	p.result = result
	p.handler.retired = true
	cbs := p.cbs
	p.cbs = nil
	for _, cb := range cbs {
		p.scheduleCallback(cb)
	}
	if p.slot != "" {
		p.ls.onPromiseSettled(p)
	}
}

func (p *Promise) scheduleCallback(cb promiseCallback) {
	state, result := p.state, p.result
	p.ls.enqueue(func() {
		var handler func(any) any
		if state == promiseFulfilled {
			handler = cb.onFulfilled
		} else {
			handler = cb.onRejected
		}
		if handler == nil {
			// Pass-through: propagate the settlement unchanged.
			if state == promiseFulfilled {
				cb.next.fulfill(result)
			} else {
				cb.next.rejectWith(result)
			}
			return
		}
		out := func() (out any) {
			defer func() {
				if r := recover(); r != nil {
					if err, ok := AsMisuse(r); ok {
						cb.next.rejectWith(err.Error())
						out = nil
						return
					}
					panic(r)
				}
			}()
			return handler(result)
		}()
		cb.next.fulfill(out)
	})
}
