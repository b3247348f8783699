package hub_test

import (
	"fmt"
	"testing"
	"time"

	. "github.com/yanghongkjxy/pika-hub"
	"github.com/yanghongkjxy/pika-hub/internal/reflog/fakepeer"
)

// TestTrysyncDriverSpawnsSenderOnSuccess covers §4.2: a peer flagged for
// trysync with no running sender gets handshaked and, on an "ok" reply,
// gets a live BinlogSender within the same tick.
func TestTrysyncDriverSpawnsSenderOnSuccess(t *testing.T) {
	mgr, _ := newTestManager(t)
	defer mgr.Close()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	peer := fakepeer.New(addr)
	peer.TrysyncReply = "ok"
	go peer.ListenAndServe()
	defer peer.Close()
	time.Sleep(50 * time.Millisecond)

	reg := NewRegistry()
	reg.Add(&PeerStatus{PeerID: 1, IP: "127.0.0.1", Port: port, ShouldTrysync: true})
	offsets := NewRecoverOffsets([]int32{1})

	cfg := testTunables()
	driver := NewTrysyncDriver(reg, mgr, offsets, cfg, "127.0.0.1", 9999)
	driver.Tick()

	st, ok := reg.Snapshot(1)
	if !ok {
		t.Fatalf("expected peer 1 to remain registered")
	}
	if st.ShouldTrysync {
		t.Fatalf("expected ShouldTrysync to be cleared after a successful handshake")
	}
	if st.Sender == nil {
		t.Fatalf("expected a sender to be spawned in the same tick")
	}
	st.Sender.Stop()
	st.Sender.Wait()
}

// TestTrysyncDriverKeepsFlagOnFailure covers the handshake-failure path:
// ShouldTrysync must remain set so the next tick retries.
func TestTrysyncDriverKeepsFlagOnFailure(t *testing.T) {
	mgr, _ := newTestManager(t)
	defer mgr.Close()

	// no listener at this port: the handshake dial itself fails.
	port := freePort(t)

	reg := NewRegistry()
	reg.Add(&PeerStatus{PeerID: 1, IP: "127.0.0.1", Port: port, ShouldTrysync: true})
	offsets := NewRecoverOffsets([]int32{1})

	cfg := testTunables()
	driver := NewTrysyncDriver(reg, mgr, offsets, cfg, "127.0.0.1", 9999)
	driver.Tick()

	st, ok := reg.Snapshot(1)
	if !ok {
		t.Fatalf("expected peer 1 to remain registered")
	}
	if !st.ShouldTrysync {
		t.Fatalf("expected ShouldTrysync to remain set after a failed handshake")
	}
	if st.Sender != nil {
		t.Fatalf("expected no sender to be spawned after a failed handshake")
	}
}

// TestTrysyncDriverReapsDeletedPeers covers the reap half of §4.2: a peer
// flagged ShouldDelete with a running sender is stopped and removed from
// the registry within one tick.
func TestTrysyncDriverReapsDeletedPeers(t *testing.T) {
	mgr, _ := newTestManager(t)
	defer mgr.Close()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	peer := fakepeer.New(addr)
	go peer.ListenAndServe()
	defer peer.Close()
	time.Sleep(50 * time.Millisecond)

	reg := NewRegistry()
	offsets := NewRecoverOffsets([]int32{1})
	cfg := testTunables()

	sender := NewBinlogSender(1, "127.0.0.1", port, reg, mgr, offsets, cfg)
	reg.Add(&PeerStatus{PeerID: 1, IP: "127.0.0.1", Port: port, Sender: sender, ShouldDelete: true})
	sender.Start()

	driver := NewTrysyncDriver(reg, mgr, offsets, cfg, "127.0.0.1", 9999)
	driver.Tick()

	if _, ok := reg.Snapshot(1); ok {
		t.Fatalf("expected peer 1 to be removed from the registry after reaping")
	}
	sender.Wait()
}

// TestTrysyncDriverSkipsPeersWithRunningSender ensures a peer that already
// has a live sender is left alone even if ShouldTrysync is set, since
// trysync only ever runs for peers without one.
func TestTrysyncDriverSkipsPeersWithRunningSender(t *testing.T) {
	mgr, _ := newTestManager(t)
	defer mgr.Close()

	reg := NewRegistry()
	offsets := NewRecoverOffsets([]int32{1})
	cfg := testTunables()

	existing := &BinlogSender{}
	reg.Add(&PeerStatus{PeerID: 1, IP: "127.0.0.1", Port: freePort(t), Sender: existing, ShouldTrysync: true})

	driver := NewTrysyncDriver(reg, mgr, offsets, cfg, "127.0.0.1", 9999)
	driver.Tick()

	st, ok := reg.Snapshot(1)
	if !ok {
		t.Fatalf("expected peer 1 to remain registered")
	}
	if st.Sender != existing {
		t.Fatalf("expected the existing sender to be left untouched")
	}
}
