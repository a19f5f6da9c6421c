package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultPoolSize = 8

// conn is one persistent connection to the server. Each conn owns its own
// transport so a borrower never shares a socket with another borrower.
type conn struct {
	client    *http.Client
	transport http.RoundTripper
}

func (c *conn) close() {
	if t, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// TransportFactory builds the round tripper behind a pooled connection.
type TransportFactory func() http.RoundTripper

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Pool keeps persistent connections to one server address. Borrow blocks
// while all connections are lent out.
type Pool struct {
	addr    string
	factory TransportFactory
	timeout time.Duration
	slots   chan struct{}

	mu     sync.Mutex
	idle   []*conn
	closed bool
}

func newPool(addr string, size int, timeout time.Duration, factory TransportFactory) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	if factory == nil {
		factory = defaultTransport
	}
	return &Pool{
		addr:    addr,
		factory: factory,
		timeout: timeout,
		slots:   make(chan struct{}, size),
	}
}

func (p *Pool) newConn() *conn {
	rt := p.factory()
	return &conn{transport: rt, client: &http.Client{Transport: rt, Timeout: p.timeout}}
}

// Lease is a borrowed connection. Release must be called exactly once; extra
// calls are ignored.
type Lease struct {
	pool   *Pool
	conn   *conn
	broken bool
	once   sync.Once
}

// Borrow takes a connection out of the pool.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, errPoolClosed
	}
	var c *conn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()
	if c == nil {
		c = p.newConn()
	}
	return &Lease{pool: p, conn: c}, nil
}

// Reconnect drops the leased connection and dials a fresh one.
func (l *Lease) Reconnect() {
	l.conn.close()
	l.conn = l.pool.newConn()
}

// MarkBroken flags the connection as unusable after a failed round trip.
// Release then closes it instead of pooling it.
func (l *Lease) MarkBroken() { l.broken = true }

// Release returns the connection to the pool, or closes it when it is broken.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		if p.closed || l.broken {
			l.conn.close()
		} else {
			p.idle = append(p.idle, l.conn)
		}
		p.mu.Unlock()
		<-p.slots
	})
}

// Idle returns the number of connections waiting in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InUse returns the number of leased connections.
func (p *Pool) InUse() int {
	return len(p.slots)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.idle {
		c.close()
	}
	p.idle = nil
}

var errPoolClosed = errors.New("connection pool is closed")

// isConnectionClosed reports whether err means the peer dropped the
// connection, which is the only condition a call is replayed on.
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection reset by peer",
		"server closed idle connection",
		"use of closed network connection",
		"broken pipe",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
