package hub

import (
	"time"

	respclient "github.com/weedge/pkg/client/resp"
)

// dialWithTimeout bounds respclient.Connect, which (like the teacher's
// ReplicaSlave.checkConn) takes no timeout of its own, to connectTimeout.
// The dialing goroutine is intentionally left to finish on its own past
// the deadline; net.Dial has no way to be cancelled externally, and the
// dangling goroutine just closes an otherwise-unused connection or drops
// an error once it eventually returns.
func dialWithTimeout(addr string, connectTimeout time.Duration) (*respclient.RespCmdClient, error) {
	type result struct {
		cli *respclient.RespCmdClient
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cli, err := respclient.Connect(addr)
		ch <- result{cli, err}
	}()

	select {
	case r := <-ch:
		return r.cli, r.err
	case <-time.After(connectTimeout):
		go func() {
			if r := <-ch; r.err == nil {
				r.cli.Close()
			}
		}()
		return nil, ErrConnectTimeout
	}
}
