package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/kitex/pkg/klog"
	respclient "github.com/weedge/pkg/client/resp"
	"github.com/weedge/pkg/safer"
	"github.com/weedge/pkg/utils"
	"github.com/yanghongkjxy/pika-hub/config"
)

// BinlogSender drives one peer's replication stream: connect, read,
// filter, serialize, send, advance cursor; recover on error. One task
// runs per peer at a time (invariant 1 of the data model).
type BinlogSender struct {
	peerID int32
	ip     string
	port   int

	reg     *Registry
	mgr     BinlogManager
	offsets *RecoverOffsets
	cfg     config.Tunables

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// operating state below is touched only by the Run goroutine, except
	// reader, which Stop also reads under readerMu so a blocked
	// ReadRecord call can be woken up rather than waited out.
	readerMu    sync.Mutex
	reader      Reader
	cli         *respclient.RespCmdClient
	connGen     int32
	resetReader bool
	rollback    uint64
	errorTimes  int
	pendingCmd  []byte
	terminated  bool
}

// NewBinlogSender builds a sender for peerID. It does not start the
// task; call Start.
func NewBinlogSender(peerID int32, ip string, port int, reg *Registry, mgr BinlogManager, offsets *RecoverOffsets, cfg config.Tunables) *BinlogSender {
	return &BinlogSender{
		peerID:  peerID,
		ip:      ip,
		port:    port,
		reg:     reg,
		mgr:     mgr,
		offsets: offsets,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		connGen: -1,
	}
}

// Start launches the sender's loop.
func (s *BinlogSender) Start() {
	safer.GoSafely(&s.wg, false, s.Run, nil, nil)
}

// Stop asks the sender to stop on its next loop iteration. Sleeps inside
// the loop are not interrupted (they are short and bounded, per §5), but a
// reader blocked waiting for new data is closed so the loop can observe
// the stop promptly rather than waiting out an indefinite tail.
func (s *BinlogSender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.readerMu.Lock()
		if s.reader != nil {
			s.reader.Close()
		}
		s.readerMu.Unlock()
	})
}

// Wait blocks until the sender's loop has returned.
func (s *BinlogSender) Wait() {
	s.wg.Wait()
}

func (s *BinlogSender) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run is the outer loop of §4.1.1: each iteration performs at most one
// phase action, then continues.
func (s *BinlogSender) Run() {
	defer s.terminate()

	for {
		if s.isStopped() {
			return
		}

		if s.resetReader || s.reader == nil {
			if s.resetReaderPhase() {
				return
			}
			continue
		}

		if s.cli == nil {
			s.connectPhase()
			continue
		}

		if len(s.pendingCmd) > 0 {
			s.flushPhase()
			continue
		}

		s.readPhase()
		if s.terminated {
			return
		}
	}
}

// resetReaderPhase discards the current reader and rebuilds it from
// (rollback, offset=0). Returns true if the sender must terminate.
func (s *BinlogSender) resetReaderPhase() bool {
	s.readerMu.Lock()
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	s.readerMu.Unlock()

	var newReader Reader
	var addErr error
	found := s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
		newReader, addErr = s.mgr.AddReader(s.rollback, 0)
	})
	if !found {
		klog.Errorf("BinlogSender[%d] cannot find peer when resetting reader", s.peerID)
		return true
	}
	if addErr != nil || newReader == nil {
		klog.Errorf("BinlogSender[%d] AddReader error when retry: %v", s.peerID, addErr)
		s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
			st.SendFD = -2
			st.Sender = nil
		})
		return true
	}

	s.readerMu.Lock()
	s.reader = newReader
	s.readerMu.Unlock()
	s.resetReader = false
	klog.Infof("BinlogSender[%d] reset reader to binlog %d", s.peerID, s.rollback)
	return false
}

// connectPhase opens a connection to ip:port+PortInterval. Both outcomes
// pace with the same sleep before the loop continues.
func (s *BinlogSender) connectPhase() {
	addr := fmt.Sprintf("%s:%d", s.ip, s.port+s.cfg.PortInterval)
	cli, err := dialWithTimeout(addr, s.cfg.ConnectTimeout)
	if err != nil {
		klog.Errorf("BinlogSender[%d] connect to %s failed: %v", s.peerID, addr, err)
	} else {
		s.cli = cli
		s.connGen++
		gen := s.connGen
		klog.Infof("BinlogSender[%d] connect to %s success", s.peerID, addr)
		s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
			st.SendFD = gen
		})
	}
	time.Sleep(s.cfg.ConnectRetryInterval)
}

// flushPhase writes the accumulated batch in one call.
func (s *BinlogSender) flushPhase() {
	conn := s.cli.GetConn()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	_, err := conn.Write(s.pendingCmd)
	if err != nil {
		klog.Errorf("BinlogSender[%d] send to %s:%d failed: %v", s.peerID, s.ip, s.port, err)
		s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
			st.SendFD = -1
		})
		s.cli.Close()
		s.cli = nil
		time.Sleep(s.cfg.SendFailureBackoff)
		s.resetReader = true
		s.pendingCmd = s.pendingCmd[:0]
		return
	}
	s.pendingCmd = s.pendingCmd[:0]
}

// readPhase reads one batch, translates it into pendingCmd, and
// classifies any error per §4.1.5/§7.
func (s *BinlogSender) readPhase() {
	records, err := s.reader.ReadRecord()
	if err == nil {
		for _, rec := range records {
			s.translate(rec)
		}
		s.updateSendOffset()
		s.errorTimes = 0
		return
	}

	if errors.Is(err, ErrReaderExit) {
		klog.Infof("BinlogSender[%d] reader exit", s.peerID)
		return
	}

	s.errorTimes++
	if s.errorTimes > s.cfg.MaxRetryTimes {
		klog.Errorf("BinlogSender[%d] ReadRecord exit, error: %v", s.peerID, err)
		s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
			st.SendFD = -2
			st.Sender = nil
		})
		s.terminated = true
		return
	}

	klog.Warnf("BinlogSender[%d] ReadRecord retry[%d], error: %v", s.peerID, s.errorTimes, err)
	time.Sleep(s.cfg.ReadFailureBackoff)
	s.resetReader = true
}

// translate applies self-echo suppression, RecoverOffsets bookkeeping,
// and stale-write suppression, then serializes the surviving record into
// pendingCmd.
func (s *BinlogSender) translate(rec BinlogRecord) {
	if rec.ServerID == s.peerID {
		return
	}

	s.offsets.Observe(rec.ServerID, s.peerID, rec.FileNum)

	cache := s.mgr.LRUCache()
	h := cache.Lookup(rec.Key)
	if h == nil {
		klog.Errorf("BinlogSender[%d] check LRU: %s is not in cache", s.peerID, utils.Bytes2String(rec.Key))
		return
	}
	entity := cache.Value(h)
	if rec.ExecTime < entity.ExecTime {
		cache.Release(h)
		return
	}
	cache.Release(h)

	switch rec.Op {
	case OpSet:
		s.pendingCmd = appendSet(s.pendingCmd, rec.Key, rec.Value)
	case OpDel:
		s.pendingCmd = appendDel(s.pendingCmd, rec.Key)
	case OpExpireAt:
		s.pendingCmd = appendExpireAt(s.pendingCmd, rec.Key, rec.Value)
	default:
		klog.Errorf("BinlogSender[%d] dropping record with %v: %s", s.peerID, ErrUnknownOp, utils.Bytes2String(rec.Key))
	}
}

// updateSendOffset is §4.1.2 verbatim, including the guard against the
// source's dereference-after-miss bug: if the peer has vanished, rollback
// is left untouched instead of being computed from a stale lookup.
func (s *BinlogSender) updateSendOffset() {
	s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
		number, offset := s.reader.GetOffset()
		st.SendNumber = number
		st.SendOffset = offset
		if number > s.rollback+1 {
			s.rollback = number - 1
		}
	})
}

// terminate runs on every exit path of Run (external stop or a fatal
// error) and makes the peer eligible for reaping.
func (s *BinlogSender) terminate() {
	if s.cli != nil {
		s.cli.Close()
		s.cli = nil
	}
	s.readerMu.Lock()
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	s.readerMu.Unlock()
	s.reg.WithPeer(s.peerID, func(st *PeerStatus) {
		st.SendFD = -2
		st.Sender = nil
	})
}
