package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLS         bool
	KeyPrefix   string
	DialTimeout time.Duration
	IOTimeout   time.Duration
	PoolSize    int
}

// ValkeyProvider implements Provider over RESP2 with a small pool of idle connections.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *respConn

	mu     sync.Mutex
	closed bool
}

// NewValkeyProvider connects to cfg.Addr and pings it so bad credentials fail at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey: addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 500 * time.Millisecond
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	p := &ValkeyProvider{cfg: cfg, idle: make(chan *respConn, cfg.PoolSize)}
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Ping checks the server answers PONG.
func (p *ValkeyProvider) Ping(ctx context.Context) error {
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return err
	}
	if reply.kind != '+' || reply.text() != "PONG" {
		return fmt.Errorf("valkey: unexpected PING reply %q", reply.text())
	}
	return nil
}

// Get returns ErrCacheMiss when key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	switch {
	case reply.null:
		return nil, ErrCacheMiss
	case reply.kind == '$':
		return reply.data, nil
	default:
		return nil, fmt.Errorf("valkey: unexpected GET reply type %q", reply.kind)
	}
}

// Set stores value; a non-positive ttl stores it without expiry.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", p.key(key), string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, args...)
	if err != nil {
		return err
	}
	if reply.kind != '+' || reply.text() != "OK" {
		return fmt.Errorf("valkey: unexpected SET reply %q", reply.text())
	}
	return nil
}

// Close drops idle connections. Calls after Close fail.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for c := range p.idle {
		c.close()
	}
	return nil
}

func (p *ValkeyProvider) key(k string) string {
	return p.cfg.KeyPrefix + k
}

func (p *ValkeyProvider) do(ctx context.Context, args ...string) (respReply, error) {
	if err := ctx.Err(); err != nil {
		return respReply{}, err
	}
	c, err := p.acquire(ctx)
	if err != nil {
		return respReply{}, err
	}
	reply, err := c.roundTrip(ctx, p.cfg.IOTimeout, args...)
	var serverErr *serverError
	if err != nil && !errors.As(err, &serverErr) {
		// The stream may be mid-reply; do not reuse it.
		c.close()
		return respReply{}, err
	}
	p.release(c)
	return reply, err
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*respConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("valkey: provider closed")
	}
	select {
	case c, ok := <-p.idle:
		if ok {
			return c, nil
		}
		return nil, errors.New("valkey: provider closed")
	default:
	}
	return p.dial(ctx)
}

func (p *ValkeyProvider) release(c *respConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.close()
		return
	}
	select {
	case p.idle <- c:
	default:
		c.close()
	}
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostOf(p.cfg.Addr)}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("valkey: dial %s: %w", p.cfg.Addr, err)
	}
	c := &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}

	if p.cfg.Password != "" {
		auth := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			auth = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if err := c.expectOK(ctx, p.cfg.IOTimeout, auth...); err != nil {
			c.close()
			return nil, fmt.Errorf("valkey: auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if err := c.expectOK(ctx, p.cfg.IOTimeout, "SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			c.close()
			return nil, fmt.Errorf("valkey: select db %d: %w", p.cfg.DB, err)
		}
	}
	return c, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type serverError struct {
	msg string
}

func (e *serverError) Error() string { return "valkey: " + e.msg }

type respReply struct {
	kind byte
	data []byte
	null bool
}

func (r respReply) text() string { return string(r.data) }

type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (c *respConn) close() { _ = c.conn.Close() }

func (c *respConn) expectOK(ctx context.Context, timeout time.Duration, args ...string) error {
	reply, err := c.roundTrip(ctx, timeout, args...)
	if err != nil {
		return err
	}
	if reply.kind != '+' || !strings.EqualFold(reply.text(), "OK") {
		return fmt.Errorf("unexpected reply %q", reply.text())
	}
	return nil
}

func (c *respConn) roundTrip(ctx context.Context, timeout time.Duration, args ...string) (respReply, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return respReply{}, err
	}
	if err := c.writeArray(args); err != nil {
		return respReply{}, err
	}
	return c.readReply()
}

func (c *respConn) writeArray(args []string) error {
	fmt.Fprintf(c.w, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(c.w, "$%d\r\n", len(a))
		c.w.WriteString(a)
		c.w.WriteString("\r\n")
	}
	return c.w.Flush()
}

func (c *respConn) readReply() (respReply, error) {
	kind, err := c.r.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	line, err := c.readLine()
	if err != nil {
		return respReply{}, err
	}
	switch kind {
	case '+', ':':
		return respReply{kind: kind, data: line}, nil
	case '-':
		return respReply{kind: kind, data: line}, &serverError{msg: string(line)}
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, fmt.Errorf("valkey: bad bulk length %q", line)
		}
		if size < 0 {
			return respReply{kind: kind, null: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, errors.New("valkey: bulk string not CRLF terminated")
		}
		return respReply{kind: kind, data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("valkey: unsupported reply type %q", kind)
	}
}

func (c *respConn) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errors.New("valkey: line not CRLF terminated")
	}
	return line[:len(line)-2], nil
}
