package hub

import (
	"sync"
	"sync/atomic"
)

// PeerStatus is the mutable state the two subsystems coordinate through.
// Every field is read and written only while the owning Registry's mutex
// is held; BinlogSender and TrysyncDriver mutate it via Registry methods,
// never directly.
type PeerStatus struct {
	PeerID int32
	IP     string
	Port   int

	// RcvNumber/RcvOffset: last binlog position received from this peer
	// as a primary. Consumed only by TrysyncDriver.
	RcvNumber uint64
	RcvOffset uint64

	// SendNumber/SendOffset: last binlog position the BinlogSender has
	// read and durably reflected for this peer.
	SendNumber uint64
	SendOffset uint64

	// SendFD: >=0 is the active connection's generation (Go has no
	// portable analogue to a raw fd across net.Conn implementations, so
	// a monotonically increasing per-connect counter fills the same
	// "connected, non-negative" observability role); -1 means
	// disconnected/retrying; -2 means the sender has terminated.
	SendFD int32

	// Sender is the running BinlogSender for this peer, or nil. The
	// sender clears it itself (and sets SendFD to -2) when it terminates;
	// the TrysyncDriver stops the sender of an entry with ShouldDelete set
	// and removes that entry from the registry.
	Sender *BinlogSender

	ShouldTrysync bool
	ShouldDelete  bool
}

// Registry is the mutex-guarded map of peer id -> PeerStatus: the only
// cross-task mutable state shared between BinlogSenders and the
// TrysyncDriver.
type Registry struct {
	mu    sync.Mutex
	peers map[int32]*PeerStatus
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[int32]*PeerStatus)}
}

// Add registers a new peer. Its initial SendFD is -1 (disconnected).
func (r *Registry) Add(st *PeerStatus) {
	if st.SendFD == 0 {
		st.SendFD = -1
	}
	r.mu.Lock()
	r.peers[st.PeerID] = st
	r.mu.Unlock()
}

// Remove deletes a peer entry unconditionally. Callers reap only entries
// they've already established are safe to drop (should_delete or
// terminated senders); Remove itself does no such check so it can also be
// used by tests to simulate a peer vanishing mid-flight.
func (r *Registry) Remove(id int32) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Snapshot returns a value copy of the peer's status for lock-free
// reading by callers about to perform blocking I/O.
func (r *Registry) Snapshot(id int32) (PeerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[id]
	if !ok {
		return PeerStatus{}, false
	}
	return *st, true
}

// WithPeer runs fn against the live PeerStatus for id while holding the
// registry mutex. fn must not block or perform I/O. Returns false if the
// peer is no longer present.
func (r *Registry) WithPeer(id int32, fn func(st *PeerStatus)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[id]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// Each runs fn once per registered peer while holding the registry mutex.
// fn must not block or perform I/O.
func (r *Registry) Each(fn func(id int32, st *PeerStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.peers {
		fn(id, st)
	}
}

// RecoverOffsets is the observability matrix recording, for each
// (origin, observer) pair, the highest binlog file number the observer
// has seen originating from that origin. The key set is fixed after
// initialization (NewRecoverOffsets), so cells are updated with atomic
// max, without the registry mutex.
type RecoverOffsets struct {
	cells map[int32]map[int32]*atomic.Uint64
}

// NewRecoverOffsets preallocates a cell for every ordered pair of the
// given peer ids (including self-pairs, which are simply never written
// since BinlogSender skips self-echoed records before reaching Observe).
func NewRecoverOffsets(peerIDs []int32) *RecoverOffsets {
	ro := &RecoverOffsets{cells: make(map[int32]map[int32]*atomic.Uint64, len(peerIDs))}
	for _, origin := range peerIDs {
		row := make(map[int32]*atomic.Uint64, len(peerIDs))
		for _, observer := range peerIDs {
			row[observer] = &atomic.Uint64{}
		}
		ro.cells[origin] = row
	}
	return ro
}

// Observe stores fileNum for (origin, observer) if it exceeds the current
// value: a monotone max, matching the source's "value is atomic, updated
// without locking" contract.
func (ro *RecoverOffsets) Observe(origin, observer int32, fileNum uint64) {
	row, ok := ro.cells[origin]
	if !ok {
		return
	}
	cell, ok := row[observer]
	if !ok {
		return
	}
	for {
		cur := cell.Load()
		if fileNum <= cur {
			return
		}
		if cell.CompareAndSwap(cur, fileNum) {
			return
		}
	}
}

// Get returns the recorded file number for (origin, observer), or 0 if
// the pair is unknown.
func (ro *RecoverOffsets) Get(origin, observer int32) uint64 {
	row, ok := ro.cells[origin]
	if !ok {
		return 0
	}
	cell, ok := row[observer]
	if !ok {
		return 0
	}
	return cell.Load()
}
