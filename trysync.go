package hub

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/kitex/pkg/klog"
	respclient "github.com/weedge/pkg/client/resp"
	"github.com/weedge/pkg/safer"
	"github.com/yanghongkjxy/pika-hub/config"
)

// TrysyncDriver is the single long-lived task that reaps terminated
// senders and hands-shakes with upstreams that need (re)synchronization,
// creating new BinlogSenders on success.
type TrysyncDriver struct {
	reg       *Registry
	mgr       BinlogManager
	offsets   *RecoverOffsets
	cfg       config.Tunables
	localIP   string
	localPort int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTrysyncDriver(reg *Registry, mgr BinlogManager, offsets *RecoverOffsets, cfg config.Tunables, localIP string, localPort int) *TrysyncDriver {
	return &TrysyncDriver{
		reg:       reg,
		mgr:       mgr,
		offsets:   offsets,
		cfg:       cfg,
		localIP:   localIP,
		localPort: localPort,
		stopCh:    make(chan struct{}),
	}
}

func (d *TrysyncDriver) Start() {
	safer.GoSafely(&d.wg, false, d.run, nil, nil)
}

func (d *TrysyncDriver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *TrysyncDriver) Wait() {
	d.wg.Wait()
}

func (d *TrysyncDriver) run() {
	for {
		d.tick()
		select {
		case <-time.After(d.cfg.TrysyncTickInterval):
		case <-d.stopCh:
			return
		}
	}
}

// syncCandidate is a lock-free snapshot of the fields trysync() needs,
// taken while Each holds the registry mutex so the handshake itself (a
// blocking network call) never runs under it.
type syncCandidate struct {
	id        int32
	ip        string
	port      int
	rcvNumber uint64
	rcvOffset uint64
}

// tick performs one reap-then-handshake sweep, per §4.2.
func (d *TrysyncDriver) tick() {
	var toReap []int32
	var toSync []syncCandidate

	d.reg.Each(func(id int32, st *PeerStatus) {
		if st.ShouldDelete {
			toReap = append(toReap, id)
		}
		if st.ShouldTrysync && st.Sender == nil {
			toSync = append(toSync, syncCandidate{id, st.IP, st.Port, st.RcvNumber, st.RcvOffset})
		}
	})

	for _, id := range toReap {
		d.reg.WithPeer(id, func(st *PeerStatus) {
			if st.Sender != nil {
				st.Sender.Stop()
			}
		})
		d.reg.Remove(id)
	}

	for _, c := range toSync {
		if !d.trysync(c) {
			continue
		}
		// Handshake succeeded: clear should_trysync and, since nothing
		// else spawns a sender, create one now while sender is still
		// nil (resolves the open question of where creation happens).
		d.reg.WithPeer(c.id, func(st *PeerStatus) {
			st.ShouldTrysync = false
			if st.Sender == nil {
				sender := NewBinlogSender(st.PeerID, st.IP, st.Port, d.reg, d.mgr, d.offsets, d.cfg)
				st.Sender = sender
				sender.Start()
			}
		})
	}
}

// trysync performs the internaltrysync handshake against one upstream.
func (d *TrysyncDriver) trysync(c syncCandidate) bool {
	addr := fmt.Sprintf("%s:%d", c.ip, c.port)
	cli, err := dialWithTimeout(addr, d.cfg.ConnectTimeout)
	if err != nil {
		klog.Errorf("Trysync %d,%s failed: %v", c.id, addr, err)
		return false
	}
	defer cli.Close()

	conn := cli.GetConn()
	conn.SetDeadline(time.Now().Add(d.cfg.SendTimeout))

	reply, err := cli.DoWithStringArgs(
		"internaltrysync",
		d.localIP,
		strconv.Itoa(d.localPort),
		strconv.FormatUint(c.rcvNumber, 10),
		strconv.FormatUint(c.rcvOffset, 10),
	)
	if err != nil {
		klog.Errorf("Trysync %d,%s send/recv error: %v", c.id, addr, err)
		return false
	}

	replyStr, err := respclient.String(reply, nil)
	if err != nil {
		klog.Errorf("Trysync %d,%s reply decode error: %v", c.id, addr, err)
		return false
	}

	fields := strings.Fields(replyStr)
	if len(fields) == 0 || strings.ToLower(fields[0]) != "ok" {
		klog.Errorf("Trysync %d,%s logic error: %s", c.id, addr, replyStr)
		return false
	}

	klog.Infof("Trysync %d,%s success", c.id, addr)
	return true
}
