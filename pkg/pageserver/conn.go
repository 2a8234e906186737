package pageserver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/marmos91/pagetier/pkg/bufpool"
)

// connState is the lifecycle state of one shard connection.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateReady
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// conn is the client's connection to one shard.
//
// conn.mu serializes the whole request/response exchange: the stream
// carries one request in flight at a time, so interleaving two requests
// without a response in between can never happen.
type conn struct {
	mu    sync.Mutex
	shard uint32

	state connState
	nc    net.Conn
	br    *bufio.Reader

	bo       *backoff
	attempts int // consecutive failed connect attempts

	log *slog.Logger
}

// connect dials the endpoint and performs the hello exchange.
// Called with c.mu held and c.state == stateDisconnected.
func (c *conn) connect(ctx context.Context, endpoint string, hello *helloRequest, dialTimeout time.Duration) error {
	c.state = stateConnecting

	dialCtx := ctx
	if dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		c.state = stateDisconnected
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.nc = nc
	c.br = bufio.NewReader(nc)

	// The hello exchange scopes the stream to our tenant/timeline and
	// authenticates. Any failure here tears the socket down again.
	resp, frame, err := c.exchange(ctx, OpHello, hello.encode())
	if err != nil {
		c.teardown("handshake failed")
		return fmt.Errorf("handshake with %s: %w", endpoint, err)
	}
	defer bufpool.Put(frame)
	if resp.Status != StatusOK {
		c.teardown("handshake rejected")
		return fmt.Errorf("handshake with %s rejected: %s", endpoint, resp.ErrMsg)
	}

	c.state = stateReady
	c.log.Info("connected to shard", "endpoint", endpoint)
	return nil
}

// exchange sends one framed request and blocks until its response frame
// arrives. Called with c.mu held and a live socket.
//
// The receive stays responsive to ctx: a watcher forces the pending read
// to fail by yanking the read deadline, and the caller then treats the
// cancellation as a connection fault. A half-read stream cannot be
// resynchronized, so the connection is not reused after cancellation.
func (c *conn) exchange(ctx context.Context, op uint8, body []byte) (*response, []byte, error) {
	if err := writeFrame(c.nc, body); err != nil {
		return nil, nil, fmt.Errorf("send request: %w", err)
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.nc.SetReadDeadline(time.Unix(0, 1))
		case <-watchDone:
		}
	}()

	frame, err := readFrame(c.br)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("receive response: %w", err)
	}

	resp, err := decodeResponse(op, frame)
	if err != nil {
		bufpool.Put(frame)
		return nil, nil, err
	}
	return resp, frame, nil
}

// teardown closes the socket and resets the state machine. Called with
// c.mu held. Safe to call in any state.
func (c *conn) teardown(reason string) {
	if c.nc != nil {
		c.log.Info("dropping shard connection", "reason", reason)
		_ = c.nc.Close()
		c.nc = nil
		c.br = nil
	}
	c.state = stateDisconnected
}
