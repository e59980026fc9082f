package transport

import (
	"fmt"

	"github.com/vatkit/liveslots/vat"
)

// vatRequest represents a unit of work to be executed on the vat
// goroutine.
type vatRequest struct {
	fn   func(*vat.Liveslots) error
	done chan error
}

// VatWorker serializes all liveslots access through a single goroutine.
// A vat is strictly single-threaded; all RPC handlers must go through the
// worker so cranks never interleave.
type VatWorker struct {
	ls       *vat.Liveslots
	requests chan vatRequest
	quit     chan struct{}
}

// NewVatWorker creates a VatWorker and starts the processing goroutine.
func NewVatWorker(ls *vat.Liveslots) *VatWorker {
	w := &VatWorker{
		ls:       ls,
		requests: make(chan vatRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *VatWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the vat, recovering from panics.
func (w *VatWorker) execute(fn func(*vat.Liveslots) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(w.ls)
}

// Do submits a function for execution on the vat goroutine and blocks
// until it completes.
func (w *VatWorker) Do(fn func(*vat.Liveslots) error) error {
	req := vatRequest{fn: fn, done: make(chan error, 1)}
	w.requests <- req
	return <-req.done
}

// Stop shuts down the worker goroutine.
func (w *VatWorker) Stop() {
	close(w.quit)
}
