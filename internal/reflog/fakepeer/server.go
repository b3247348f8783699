// Package fakepeer is a minimal redcon-based stand-in for an upstream
// peer, used by the root package's tests to exercise BinlogSender and
// TrysyncDriver without a real hub on the other end. Grounded on
// resp_cmd_service.go's OnAccept/OnClosed wiring, stripped of the
// standalone command-dispatch layer this test double has no use for.
package fakepeer

import (
	"strings"
	"sync"

	"github.com/cloudwego/kitex/pkg/klog"
	"github.com/tidwall/redcon"
	"github.com/weedge/pkg/utils"
)

// Server records every command it receives except internaltrysync, which
// it answers with TrysyncReply (defaulting to "ok").
type Server struct {
	addr         string
	TrysyncReply string

	srv *redcon.Server

	mu       sync.Mutex
	Commands [][]string
}

func New(addr string) *Server {
	return &Server{addr: addr, TrysyncReply: "ok"}
}

func (s *Server) ListenAndServe() error {
	s.srv = redcon.NewServer(s.addr, s.handle, s.accept, s.closed)
	return s.srv.ListenAndServe()
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// Snapshot returns a copy of the commands recorded so far.
func (s *Server) Snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.Commands))
	copy(out, s.Commands)
	return out
}

func (s *Server) accept(conn redcon.Conn) bool {
	klog.Infof("fakepeer: accept %s", conn.RemoteAddr())
	return true
}

func (s *Server) closed(conn redcon.Conn, err error) {
	klog.Infof("fakepeer: closed %s, err: %v", conn.RemoteAddr(), err)
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = utils.Bytes2String(a)
	}

	if len(args) > 0 && strings.EqualFold(args[0], "internaltrysync") {
		conn.WriteString(s.TrysyncReply)
		return
	}

	s.mu.Lock()
	s.Commands = append(s.Commands, args)
	s.mu.Unlock()
	conn.WriteString("ok")
}
