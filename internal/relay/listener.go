package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"logrelay/internal/protocol"
)

const readBufferSize = 32 * 1024

// Listener accepts producer connections and feeds their records to a Router.
// Nothing is ever written back to producers.
type Listener struct {
	router *Router

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewListener(router *Router) *Listener {
	return &Listener{
		router: router,
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Close is called.
func (l *Listener) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l.Serve(ln)
}

// Serve accepts connections on ln until Close is called, then returns nil.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	l.ln = ln
	l.mu.Unlock()

	slog.Info("TCP message server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Error accepting connection", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.handle(conn)
	}
}

// Close stops accepting, closes producer connections and waits for their
// handlers to return.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

func (l *Listener) handle(conn net.Conn) {
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
		l.wg.Done()
	}()

	remote := conn.RemoteAddr().String()
	slog.Debug("Producer connected", "remote", remote)

	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			records, errs := dec.Feed(buf[:n])
			for _, decodeErr := range errs {
				l.router.Reject()
				slog.Error("Dropping record", "remote", remote, "error", decodeErr)
			}
			l.router.DispatchAll(records)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Error("Producer read error", "remote", remote, "error", err)
			}
			if dec.Pending() > 0 {
				slog.Debug("Discarding unterminated record", "remote", remote, "bytes", dec.Pending())
			}
			slog.Debug("Producer disconnected", "remote", remote)
			return
		}
	}
}
