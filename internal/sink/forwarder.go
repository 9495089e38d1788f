package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultPort         = 9998
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// StaleConnectTimeout is how long a connection attempt may stay in
	// flight before another one is allowed.
	StaleConnectTimeout = 30 * time.Second

	MinBackoff    = time.Millisecond
	MaxBackoff    = 300 * time.Second
	BackoffFactor = 3
)

// TimestampLayout is the "@timestamp" format understood by the collector.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// State is the connection state of a Forwarder.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dialer opens the connection to the collector. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a Forwarder.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Tags are attached to the message sent after every (re)connect.
	Tags []string
}

// Stats is a snapshot of the forwarder state.
type Stats struct {
	State     string        `json:"state"`
	Buffered  int           `json:"buffered"`
	Sent      uint64        `json:"sent"`
	Lost      uint64        `json:"lost"`
	Failures  int           `json:"failures"`
	LastDelay time.Duration `json:"lastDelay"`
}

type Option func(*Forwarder)

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(f *Forwarder) { f.dialer = d }
}

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(f *Forwarder) { f.clock = c }
}

// Forwarder ships messages as newline-delimited JSON over one TCP
// connection. Messages are buffered in order while the collector is
// unreachable and the connection is re-established with capped
// exponential backoff.
//
// Only the drain goroutine pops the buffer and writes to the connection.
// All state lives under mu.
type Forwarder struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock

	mu             sync.Mutex
	state          State
	conn           net.Conn
	gen            uint64
	buffer         []any
	backoff        *backoff.ExponentialBackOff
	connectStarted time.Time
	retryAt        time.Time
	retry          clockwork.Timer
	failures       int
	lastDelay      time.Duration
	sent           uint64
	lost           uint64
	closed         bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Forwarder. Nothing is dialed before Start.
func New(cfg Config, opts ...Option) *Forwarder {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"logrelay"}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = MinBackoff
	b.Multiplier = BackoffFactor
	b.MaxInterval = MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		cfg:     cfg,
		dialer:  &net.Dialer{},
		clock:   clockwork.NewRealClock(),
		backoff: b,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches the drain goroutine and the first connection attempt.
// The forwarder runs until ctx is done or Close is called.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.ctx.Done():
		}
	}()
	f.kick()
}

// Enqueue appends msg to the buffer and wakes the drain goroutine.
// It never waits for the network.
func (f *Forwarder) Enqueue(msg any) {
	f.mu.Lock()
	f.buffer = append(f.buffer, msg)
	f.mu.Unlock()
	f.kick()
}

// Stats returns a snapshot of the forwarder state.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		State:     f.state.String(),
		Buffered:  len(f.buffer),
		Sent:      f.sent,
		Lost:      f.lost,
		Failures:  f.failures,
		LastDelay: f.lastDelay,
	}
}

// State returns the current connection state.
func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Close stops the forwarder and closes the connection. Buffered messages
// are discarded.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.gen++
	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.state = Disconnected
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
}

func (f *Forwarder) kick() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Forwarder) run() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
			f.drain()
		}
	}
}

// drain writes buffered messages while connected. When not connected it
// asks for a connection attempt instead.
func (f *Forwarder) drain() {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		if f.state != Connected {
			f.connectLocked()
			f.mu.Unlock()
			return
		}
		if len(f.buffer) == 0 {
			f.mu.Unlock()
			return
		}
		msg := f.buffer[0]
		f.buffer[0] = nil
		f.buffer = f.buffer[1:]
		conn, gen := f.conn, f.gen
		f.mu.Unlock()

		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("Failed to encode sink message, dropping it", "error", err)
			f.count(&f.lost)
			continue
		}
		data = append(data, '\n')

		_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		if _, err := conn.Write(data); err != nil {
			// The message is not re-buffered.
			slog.Error("Failed to write to sink, message dropped", "addr", f.cfg.Addr, "error", err)
			f.count(&f.lost)
			f.fail(gen, err)
			return
		}
		f.count(&f.sent)
	}
}

func (f *Forwarder) count(n *uint64) {
	f.mu.Lock()
	*n++
	f.mu.Unlock()
}

// connectLocked starts a connection attempt unless one is in flight or a
// scheduled retry has not come due yet. Caller holds mu.
func (f *Forwarder) connectLocked() {
	now := f.clock.Now()
	if f.state == Connecting {
		if now.Sub(f.connectStarted) <= StaleConnectTimeout {
			return
		}
		slog.Warn("Sink connection attempt stuck, starting a new one", "addr", f.cfg.Addr, "startedAt", f.connectStarted)
		f.gen++
		f.state = Disconnected
	}
	if now.Before(f.retryAt) {
		return
	}

	f.state = Connecting
	f.connectStarted = now
	f.gen++
	gen := f.gen
	slog.Debug("Connecting to sink", "addr", f.cfg.Addr)
	go f.dial(gen)
}

func (f *Forwarder) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(f.ctx, f.cfg.DialTimeout)
	conn, err := f.dialer.DialContext(ctx, "tcp", f.cfg.Addr)
	cancel()

	f.mu.Lock()
	if gen != f.gen || f.closed {
		f.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		f.mu.Unlock()
		slog.Warn("Failed to connect to sink", "addr", f.cfg.Addr, "error", err)
		f.fail(gen, err)
		return
	}

	f.state = Connected
	f.conn = conn
	f.backoff.Reset()
	f.failures = 0
	f.retryAt = time.Time{}
	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}
	f.buffer = append(f.buffer, map[string]any{
		"@timestamp": f.clock.Now().UTC().Format(TimestampLayout),
		"tags":       f.cfg.Tags,
		"message":    "logrelay: new sink connection",
	})
	f.mu.Unlock()

	slog.Info("Connected to sink", "addr", f.cfg.Addr)
	go f.watch(conn, gen)
	f.kick()
}

// watch notices the collector closing an idle connection.
func (f *Forwarder) watch(conn net.Conn, gen uint64) {
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			f.fail(gen, err)
			return
		}
	}
}

// fail tears down the connection of generation gen and schedules the next
// attempt. Reports for an older generation, or a second report for the
// same one, are ignored.
func (f *Forwarder) fail(gen uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || f.closed || f.state == Disconnected {
		return
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.state = Disconnected
	f.failures++

	delay := f.backoff.NextBackOff()
	f.lastDelay = delay
	f.retryAt = f.clock.Now().Add(delay)
	if f.retry != nil {
		f.retry.Stop()
	}
	f.retry = f.clock.AfterFunc(delay, f.kick)
	slog.Info("Sink disconnected, retry scheduled", "addr", f.cfg.Addr, "delay", delay, "failures", f.failures, "reason", err)
}
