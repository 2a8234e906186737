package pageserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/pagetier/internal/logger"
	"github.com/marmos91/pagetier/pkg/bufpool"
	"github.com/marmos91/pagetier/pkg/page"
	"github.com/marmos91/pagetier/pkg/shardmap"
)

// DefaultMaxReconnectAttempts is the default ceiling of consecutive
// failed connect attempts per shard before the failure is surfaced.
const DefaultMaxReconnectAttempts = 60

var (
	// ErrShardOutOfRange is returned when a request routes to a shard
	// number not present in the current topology.
	ErrShardOutOfRange = errors.New("pageserver: shard number out of range")

	// ErrClosed is returned after the manager is closed.
	ErrClosed = errors.New("pageserver: manager closed")
)

// FatalError is returned when the reconnect-attempt ceiling for a shard
// is exceeded. Below the ceiling failures are logged and retried
// silently; this error is the point where they stop being transient.
type FatalError struct {
	Shard    uint32
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pageserver: shard %d unreachable after %d attempts: %v", e.Shard, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Config holds the client configuration.
type Config struct {
	// TenantID and TimelineID scope every stream to one page namespace.
	TenantID   string `mapstructure:"tenant_id" yaml:"tenant_id"`
	TimelineID string `mapstructure:"timeline_id" yaml:"timeline_id"`

	// AuthToken is sent in the hello exchange. Optional.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`

	// StripeSize is the sharding stripe size in blocks.
	StripeSize uint32 `mapstructure:"stripe_size" yaml:"stripe_size"`

	// MaxReconnectAttempts is the per-shard ceiling of consecutive
	// failed connect attempts before a FatalError is surfaced.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`

	// ConnectTimeout bounds one dial attempt. Zero means no bound
	// beyond the caller's context.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// Metrics receives client observations. A nil Metrics is valid.
type Metrics interface {
	// ObserveConnect records a connect attempt for a shard.
	ObserveConnect(shard uint32, success bool)

	// ObserveDisconnect records a torn-down shard connection.
	ObserveDisconnect(shard uint32)

	// ObserveRequest records one completed request round trip.
	ObserveRequest(op string, duration time.Duration, failed bool)
}

// Manager multiplexes page requests over per-shard connections.
//
// Connections are created lazily on first use, survive across requests,
// and are all invalidated whenever the shard map generation changes:
// a topology change forces a clean reconnect everywhere rather than
// tracking per-shard staleness.
type Manager struct {
	cfg    Config
	shards *shardmap.Map
	router *shardmap.Router

	mu         sync.Mutex // guards conns, generation, closed
	conns      map[uint32]*conn
	generation uint64
	closed     bool

	metrics Metrics
}

// NewManager creates a client over the given shard map.
func NewManager(cfg Config, shards *shardmap.Map, m Metrics) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Manager{
		cfg:     cfg,
		shards:  shards,
		router:  shardmap.NewRouter(cfg.StripeSize),
		conns:   make(map[uint32]*conn),
		metrics: m,
	}
}

// Router exposes the manager's shard router.
func (m *Manager) Router() *shardmap.Router {
	return m.router
}

// GetPage fetches one page from its owning shard into dst.
// dst must be at least page.Size bytes.
func (m *Manager) GetPage(ctx context.Context, key page.Key, dst []byte) error {
	req := getPageRequest{Container: key.Container, Fork: key.Fork, Block: key.Block}
	resp, frame, err := m.request(ctx, "get_page", key, req.encode())
	if err != nil {
		return err
	}
	defer bufpool.Put(frame)
	copy(dst[:page.Size], resp.Page)
	return nil
}

// Exists reports whether a container fork exists on its owning shard.
// Fork-level metadata always lives on the shard owning block zero.
func (m *Manager) Exists(ctx context.Context, container uint32, fork page.ForkID) (bool, error) {
	key := page.Key{Container: container, Fork: fork, Block: 0}
	req := existsRequest{Container: container, Fork: fork}
	resp, frame, err := m.request(ctx, "exists", key, req.encode())
	if err != nil {
		return false, err
	}
	defer bufpool.Put(frame)
	return resp.Exists, nil
}

// Nblocks returns the size of a container fork in blocks.
func (m *Manager) Nblocks(ctx context.Context, container uint32, fork page.ForkID) (uint32, error) {
	key := page.Key{Container: container, Fork: fork, Block: 0}
	req := nblocksRequest{Container: container, Fork: fork}
	resp, frame, err := m.request(ctx, "nblocks", key, req.encode())
	if err != nil {
		return 0, err
	}
	defer bufpool.Put(frame)
	return resp.Nblocks, nil
}

// request routes the page key to its shard and performs one round trip,
// transparently reconnecting on transient faults.
//
// The returned frame backs the response payload; the caller must return
// it to the buffer pool.
func (m *Manager) request(ctx context.Context, op string, key page.Key, body []byte) (*response, []byte, error) {
	start := time.Now()
	resp, frame, err := m.requestShard(ctx, key, body)
	if m.metrics != nil {
		m.metrics.ObserveRequest(op, time.Since(start), err != nil)
	}
	return resp, frame, err
}

func (m *Manager) requestShard(ctx context.Context, key page.Key, body []byte) (*response, []byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		topo := m.shards.Snapshot()
		shard, err := m.router.ShardFor(key, topo.NumShards())
		if err != nil {
			return nil, nil, err
		}

		c, err := m.acquire(topo, shard)
		if err != nil {
			return nil, nil, err
		}

		c.mu.Lock()
		if c.state != stateReady {
			if err := m.ensureConnected(ctx, c, topo.Endpoints[shard]); err != nil {
				c.mu.Unlock()
				return nil, nil, err
			}
		}

		// The body's first byte is the opcode by construction.
		resp, frame, err := c.exchange(ctx, body[0], body)
		if err != nil {
			c.teardown("request failed")
			c.mu.Unlock()
			if m.metrics != nil {
				m.metrics.ObserveDisconnect(c.shard)
			}
			if ctx.Err() != nil {
				// Cancellation during a pending receive is handled as
				// a connection fault; the caller gets a retryable
				// context error, not a corrupted stream.
				return nil, nil, ctx.Err()
			}
			c.log.Warn("request failed, will reconnect", "error", err)
			continue
		}
		c.mu.Unlock()

		if resp.Status == StatusError {
			remoteErr := &RemoteError{Shard: shard, Message: resp.ErrMsg}
			bufpool.Put(frame)
			return nil, nil, remoteErr
		}
		return resp, frame, nil
	}
}

// acquire returns the connection slot for a shard, invalidating every
// slot first if the shard map changed since the slots were built.
func (m *Manager) acquire(topo shardmap.Topology, shard uint32) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if topo.Generation != m.generation {
		m.invalidateLocked("shard map changed")
		m.generation = topo.Generation
	}

	if shard >= topo.NumShards() {
		return nil, fmt.Errorf("%w: shard %d of %d", ErrShardOutOfRange, shard, topo.NumShards())
	}

	c, ok := m.conns[shard]
	if !ok {
		c = &conn{
			shard: shard,
			bo:    newBackoff(MinReconnectInterval, MaxReconnectInterval),
			log:   logger.With("component", "pageserver", "shard", shard),
		}
		m.conns[shard] = c
	}
	return c, nil
}

// ensureConnected drives the shard's state machine to Ready, retrying
// with exponential backoff up to the attempt ceiling. Called with c.mu
// held.
func (m *Manager) ensureConnected(ctx context.Context, c *conn, endpoint string) error {
	hello := &helloRequest{
		Version:    protocolVersion,
		TenantID:   m.cfg.TenantID,
		TimelineID: m.cfg.TimelineID,
		AuthToken:  m.cfg.AuthToken,
	}

	for c.state != stateReady {
		if delay := c.bo.next(time.Now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := c.connect(ctx, endpoint, hello, m.cfg.ConnectTimeout)
		if m.metrics != nil {
			m.metrics.ObserveConnect(c.shard, err == nil)
		}
		if err == nil {
			c.attempts = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.attempts++
		if c.attempts >= m.cfg.MaxReconnectAttempts {
			return &FatalError{Shard: c.shard, Attempts: c.attempts, Err: err}
		}
		c.log.Warn("connect failed, retrying",
			"endpoint", endpoint,
			"attempt", c.attempts,
			"error", err)
	}
	return nil
}

// invalidateLocked tears down every shard connection. Called with the
// manager lock held.
func (m *Manager) invalidateLocked(reason string) {
	for _, c := range m.conns {
		c.mu.Lock()
		c.teardown(reason)
		c.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ObserveDisconnect(c.shard)
		}
	}
}

// Close tears down all connections. Subsequent requests fail with
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.invalidateLocked("client shutting down")
	m.conns = nil
	return nil
}
