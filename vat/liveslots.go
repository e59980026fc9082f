// Package vat implements the liveslots layer: the per-vat translation,
// lifetime, and distributed-GC bridge between capability-style hosted code
// and the kernel's syscall interface. It turns in-vat references into
// kernel-visible vrefs and back, tracks reachability across the vat
// boundary, and coordinates drop/retire notifications so distributed
// objects collect safely.
package vat

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/vatkit/liveslots/capdata"
	"github.com/vatkit/liveslots/gctools"
)

var (
	logVat = commonlog.GetLogger("vat")
	logGC  = commonlog.GetLogger("vat.gc")
)

// Liveslots is the per-vat singleton: slot registry, presence/promise
// factory, marshaller bridge, dispatch core, and GC engine in one owned
// record. All state is mutated on the vat's single execution stream.
type Liveslots struct {
	sc    Syscall
	tools *gctools.Tools
	queue *taskQueue
	codec *capdata.Codec
	cfg   Config
	vom   VirtualStore

	// Slot registry tables.
	valToSlot          map[any]string
	slotToVal          map[string]*gctools.Cell
	exportedRemotables map[string]*Remotable
	pendingPromises    map[string]*Promise
	importedPromises   map[string]*resolverPair
	deadSet            map[string]struct{}
	disavowed          map[*Presence]struct{}
	recognizers        map[string]map[*WeakSet]struct{}

	// Allocation counters; monotonic, never reused. The root export uses
	// object id 0.
	nextObjectID  uint64
	nextPromiseID uint64

	knownResolutions  map[string]knownResolution
	subscribed        map[string]struct{}
	pendingSubscribes []string
	crankHeld         []any

	terminated bool
}

// Options configures liveslots construction.
type Options struct {
	Config Config
	// Tools overrides the GC facade; nil builds a fresh one.
	Tools *gctools.Tools
	// VirtualStore overrides the virtual-object store; nil selects the
	// vatstore-backed kind manager when the vatstore is enabled, otherwise
	// no virtual objects.
	VirtualStore VirtualStore
}

// Powers is the capability bundle handed to the root builder.
type Powers struct {
	// D wraps a device node for synchronous calls.
	D func(v any) *DeviceFacet
	// ExitVat terminates the vat, reporting completion.
	ExitVat func(completion any)
	// ExitVatWithFailure terminates the vat, reporting failure.
	ExitVatWithFailure func(reason any)
	// Disavow revokes an imported presence. Nil unless enabled by
	// configuration.
	Disavow func(p *Presence) error
	// Store is the namespaced key-value store. Nil unless enabled.
	Store *UserStore
	// Kinds manages virtual-object kinds. Nil unless the vatstore is
	// enabled.
	Kinds *KindManager
	// NewWeakSet builds a weak collection that can key imports and
	// virtual representatives without pinning them.
	NewWeakSet func() *WeakSet
	// MakePromiseKit returns a fresh local promise with its resolve and
	// reject functions.
	MakePromiseKit func() (*Promise, func(any), func(any))
	// Retain keeps a deserialized value alive past the current crank;
	// Drop releases one such hold.
	Retain func(v any)
	Drop   func(v any)
}

// New assembles a liveslots instance around a syscall implementation and
// registers the root object the builder returns under the fixed root
// vref.
func New(sc Syscall, opts Options, build func(p *Powers) Invoker) (*Liveslots, error) {
	ls := &Liveslots{
		sc:                 sc,
		cfg:                opts.Config,
		queue:              &taskQueue{},
		valToSlot:          make(map[any]string),
		slotToVal:          make(map[string]*gctools.Cell),
		exportedRemotables: make(map[string]*Remotable),
		pendingPromises:    make(map[string]*Promise),
		importedPromises:   make(map[string]*resolverPair),
		deadSet:            make(map[string]struct{}),
		disavowed:          make(map[*Presence]struct{}),
		recognizers:        make(map[string]map[*WeakSet]struct{}),
		knownResolutions:   make(map[string]knownResolution),
		subscribed:         make(map[string]struct{}),
		nextObjectID:       1,
	}
	ls.tools = opts.Tools
	if ls.tools == nil {
		ls.tools = gctools.New()
	}
	ls.tools.SetQuiescence(ls.queue.drain)

	codec, err := capdata.NewCodec(ls.convertValToSlot, ls.convertSlotToVal)
	if err != nil {
		return nil, err
	}
	ls.codec = codec

	var kinds *KindManager
	switch {
	case opts.VirtualStore != nil:
		ls.vom = opts.VirtualStore
	case opts.Config.EnableVatstore:
		kinds = newKindManager(ls)
		ls.vom = kinds
	default:
		ls.vom = noVirtualStore{}
	}

	powers := &Powers{
		D:       ls.deviceFacet,
		ExitVat: ls.exitVat,
		ExitVatWithFailure: func(reason any) {
			ls.exitVatWith(true, reason)
		},
		Kinds: kinds,
		NewWeakSet: func() *WeakSet {
			return &WeakSet{ls: ls, slots: make(map[string]struct{}), plain: make(map[any]struct{})}
		},
		MakePromiseKit: ls.newPromise,
		Retain:         ls.tools.Hold,
		Drop:           ls.tools.Release,
	}
	if opts.Config.EnableDisavow {
		powers.Disavow = ls.disavowPresence
	}
	if opts.Config.EnableVatstore {
		powers.Store = &UserStore{ls: ls}
	}

	rootInv := build(powers)
	if rootInv == nil {
		return nil, fmt.Errorf("root builder returned no object")
	}
	root := NewRemotable("root", rootInv)
	ls.registerValue(RootSlot, root, true)
	ls.retainExportedRemotable(RootSlot)
	return ls, nil
}

func (ls *Liveslots) exitVat(completion any) {
	ls.exitVatWith(false, completion)
}

func (ls *Liveslots) exitVatWith(failure bool, value any) {
	if ls.terminated {
		return
	}
	cd, err := ls.marshal(value)
	if err != nil {
		logVat.Errorf("cannot serialize exit value: %v", err)
		cd, _ = ls.marshal(fmt.Sprintf("unserializable exit value: %v", err))
	}
	ls.terminated = true
	ls.sc.Exit(failure, cd)
}

func (ls *Liveslots) exitWithFailure(reason string) {
	ls.exitVatWith(true, reason)
}

// ---------------------------------------------------------------------------
// UserStore: the namespaced vatstore surface
// ---------------------------------------------------------------------------

// userStorePrefix namespaces hosted-code keys away from liveslots-internal
// vatstore use.
const userStorePrefix = "vvs."

// UserStore is the key-value store exposed to hosted code when enabled.
// Keys are transparently namespaced before reaching the kernel.
type UserStore struct {
	ls *Liveslots
}

// Get reads a key. The second result reports presence.
func (s *UserStore) Get(key string) (string, bool) {
	return s.ls.sc.VatstoreGet(userStorePrefix + key)
}

// Set writes a key.
func (s *UserStore) Set(key, value string) {
	s.ls.sc.VatstoreSet(userStorePrefix+key, value)
}

// Delete removes a key.
func (s *UserStore) Delete(key string) {
	s.ls.sc.VatstoreDelete(userStorePrefix + key)
}
