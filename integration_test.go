package hub_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	. "github.com/yanghongkjxy/pika-hub"
	"github.com/yanghongkjxy/pika-hub/internal/reflog"
	"github.com/yanghongkjxy/pika-hub/internal/reflog/fakepeer"
)

// deadAcceptor accepts exactly one connection and resets it immediately
// (linger 0, so the close sends RST instead of FIN), guaranteeing that a
// subsequent write on the client side fails.
func deadAcceptor(t *testing.T, addr string) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		conn.Close()
	}()
	return l
}

// TestBinlogSenderSuppressesStaleWrite covers scenario S3: a record whose
// ExecTime trails the cache's recorded committed time for that key must
// never be forwarded, even though it is not a self-echo. The binlog holds
// the older write, while the cache already reflects a newer commit that
// superseded it locally before this sender got to read it.
func TestBinlogSenderSuppressesStaleWrite(t *testing.T) {
	mgr, _ := newTestManager(t)
	defer mgr.Close()

	if err := mgr.Append([]BinlogRecord{
		{ServerID: 7, Op: OpSet, Key: []byte("foo"), Value: []byte("stale"), ExecTime: 50},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	mgr.LRUCache().(*reflog.Cache).Set([]byte("foo"), 100)

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	peer := fakepeer.New(addr)
	go peer.ListenAndServe()
	defer peer.Close()
	time.Sleep(50 * time.Millisecond)

	reg := NewRegistry()
	reg.Add(&PeerStatus{PeerID: 1, IP: "127.0.0.1", Port: port})
	offsets := NewRecoverOffsets([]int32{1, 7})

	sender := NewBinlogSender(1, "127.0.0.1", port, reg, mgr, offsets, testTunables())
	sender.Start()
	defer func() {
		sender.Stop()
		sender.Wait()
	}()

	time.Sleep(300 * time.Millisecond)
	if cmds := peer.Snapshot(); len(cmds) != 0 {
		t.Fatalf("expected the stale write to be suppressed, got %v", cmds)
	}
}

// TestBinlogSenderRecoversAfterSendFailure covers scenario S4: a write
// failure on the active connection must not wedge the sender: it drops
// the dead connection, rolls back to resend whatever didn't make it out,
// and resumes forwarding once a peer is reachable at the same address
// again.
func TestBinlogSenderRecoversAfterSendFailure(t *testing.T) {
	mgr, _ := newTestManager(t)
	defer mgr.Close()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	deadListener := deadAcceptor(t, addr)

	reg := NewRegistry()
	reg.Add(&PeerStatus{PeerID: 1, IP: "127.0.0.1", Port: port})
	offsets := NewRecoverOffsets([]int32{1, 7})

	cfg := testTunables()
	sender := NewBinlogSender(1, "127.0.0.1", port, reg, mgr, offsets, cfg)
	sender.Start()
	defer func() {
		sender.Stop()
		sender.Wait()
	}()

	// let the sender establish its first connection, which the dead
	// acceptor tears down immediately, before anything is ever written
	// to the binlog.
	time.Sleep(100 * time.Millisecond)
	deadListener.Close()

	if err := mgr.Append([]BinlogRecord{
		{ServerID: 7, Op: OpSet, Key: []byte("foo"), Value: []byte("bar"), ExecTime: 100},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// give flushPhase a chance to discover the dead connection and start
	// retrying, then bring a fresh listener up at the same address.
	time.Sleep(150 * time.Millisecond)
	peer2 := fakepeer.New(addr)
	go peer2.ListenAndServe()
	defer peer2.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(peer2.Snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cmds := peer2.Snapshot()
	if len(cmds) != 1 {
		t.Fatalf("expected the write to be forwarded once the peer came back, got %d: %v", len(cmds), cmds)
	}
}
