package core

import (
	"sort"
	"sync"

	"github.com/commatea/uartbridge/pkg/metrics"
)

// Registry is the process-global table of control channels, data
// channels and open UARTs (spec.md §4.4). A single mutex protects all
// three tables; holds are always short and never touch I/O, matching
// spec.md §5's shared-state discipline.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	ctrl   map[uint64]*Channel
	data   map[uint64]*Channel
	uarts  map[string]*UART

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctrl:     make(map[uint64]*Channel),
		data:     make(map[uint64]*Channel),
		uarts:    make(map[string]*UART),
		shutdown: make(chan struct{}),
	}
}

func (r *Registry) allocID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

func (r *Registry) addControl(ch *Channel) {
	r.mu.Lock()
	r.ctrl[ch.id] = ch
	r.mu.Unlock()
	metrics.SetChannelCounts(r.counts())
}

func (r *Registry) removeControl(id uint64) {
	r.mu.Lock()
	delete(r.ctrl, id)
	r.mu.Unlock()
}

func (r *Registry) removeData(id uint64) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

// moveToData transitions ch from the control table to the data table, as
// part of an A (attach) command. Caller must have already mutated ch's role.
func (r *Registry) moveToData(ch *Channel) {
	r.mu.Lock()
	delete(r.ctrl, ch.id)
	r.data[ch.id] = ch
	r.mu.Unlock()
	metrics.SetChannelCounts(r.counts())
}

// lookupControl returns the control channel with id, if any.
func (r *Registry) lookupControl(id uint64) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.ctrl[id]
	return ch, ok
}

// lookupAny returns the channel (control or data) with id, if any.
func (r *Registry) lookupAny(id uint64) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.ctrl[id]; ok {
		return ch, true
	}
	if ch, ok := r.data[id]; ok {
		return ch, true
	}
	return nil, false
}

// controlChannels returns a stable-ordered snapshot of control channels.
func (r *Registry) controlChannels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.ctrl))
	for _, ch := range r.ctrl {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// dataChannels returns a stable-ordered snapshot of data channels.
func (r *Registry) dataChannels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.data))
	for _, ch := range r.data {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// openUarts returns a stable-ordered snapshot of currently open UARTs.
func (r *Registry) openUarts() []*UART {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*UART, 0, len(r.uarts))
	for _, u := range r.uarts {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// reserveUart inserts name into the open-UART table, failing if it's
// already present (spec.md §4.4: "reject duplicate name").
func (r *Registry) reserveUart(u *UART) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.uarts[u.name]; exists {
		return false
	}
	r.uarts[u.name] = u
	return true
}

func (r *Registry) releaseUart(name string) {
	r.mu.Lock()
	delete(r.uarts, name)
	r.mu.Unlock()
}

// counts snapshots channel/UART totals for metrics.
func (r *Registry) counts() metrics.ChannelCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := metrics.ChannelCounts{Control: len(r.ctrl), Uarts: len(r.uarts)}
	for _, ch := range r.data {
		switch ch.Role() {
		case RoleDataRx:
			c.DataRx++
		case RoleDataTx:
			c.DataTx++
		case RoleDataRxTx:
			c.DataRxTx++
		}
	}
	return c
}

// ShutdownAll stops every channel and UART. It does not touch the
// listener; callers that also need the process to exit use Shutdown.
func (r *Registry) ShutdownAll() {
	for _, ch := range r.controlChannels() {
		ch.Stop()
	}
	for _, ch := range r.dataChannels() {
		ch.Stop()
	}
}

// Shutdown implements the X command (spec.md §4.5: "stop listener"). It
// stops every channel and UART, then trips ShutdownRequested so
// Server.Run unblocks, closes the listener, and the process exits
// cleanly — the Go analogue of pyuartsocket.py's drop_dead() tearing
// down the SocketServer and letting __main__ fall through
// (_examples/original_source/res/native/cross/pyuartsocket.py:92-104,840-841).
func (r *Registry) Shutdown() {
	r.ShutdownAll()
	r.shutdownOnce.Do(func() { close(r.shutdown) })
}

// ShutdownRequested is closed once a client has issued X, for Server.Run
// to select on alongside the process's own context cancellation.
func (r *Registry) ShutdownRequested() <-chan struct{} {
	return r.shutdown
}
