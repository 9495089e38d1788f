// Package harvester is the producer side of the relay: it announces an
// input, ships lines as "+msg" records and retires the input when done.
package harvester

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"logrelay/internal/protocol"
)

const dialTimeout = 10 * time.Second

// Client writes records to a relay message server.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the message server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one record.
func (c *Client) Send(rec protocol.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(protocol.Encode(rec)); err != nil {
		return fmt.Errorf("failed to send %s: %w", rec.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

var fieldReplacer = strings.NewReplacer(protocol.Separator, "_", string(protocol.Terminator), "")

// Harvester ships the lines of one input.
type Harvester struct {
	client *Client
	stream string
	source string
	// Echo receives every shipped line when set.
	Echo io.Writer
}

// New creates a harvester for the input stream|source. Separators in
// either field are replaced so the input name stays unambiguous.
func New(client *Client, stream, source string) *Harvester {
	return &Harvester{
		client: client,
		stream: fieldReplacer.Replace(stream),
		source: fieldReplacer.Replace(source),
	}
}

// Name returns the input name viewers subscribe to.
func (h *Harvester) Name() string {
	return h.stream + protocol.Separator + h.source
}

func (h *Harvester) record(typ, payload string) protocol.Record {
	return protocol.Record{Type: typ, Stream: h.stream, Source: h.source, Payload: payload}
}

// Announce sends "+input".
func (h *Harvester) Announce() error {
	return h.client.Send(h.record(protocol.TypeInputAdd, ""))
}

// Retire sends "-input".
func (h *Harvester) Retire() error {
	return h.client.Send(h.record(protocol.TypeInputDel, ""))
}

// Ship sends one "+msg" record. Terminator bytes are stripped from line.
func (h *Harvester) Ship(line string) error {
	line = strings.ReplaceAll(line, string(protocol.Terminator), "")
	if h.Echo != nil {
		_, _ = fmt.Fprintln(h.Echo, line)
	}
	return h.client.Send(h.record(protocol.TypeMessage, line))
}

// Lines ships every line of r until EOF and returns the number shipped.
func (h *Harvester) Lines(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxRecordSize)
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := h.Ship(strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil && !isPTYClosed(err) {
		return n, fmt.Errorf("failed to read lines: %w", err)
	}
	return n, nil
}

// Run executes command under a pseudo terminal, ships its output and
// returns the exit code. The input is announced before the command starts
// and retired after it exits.
func (h *Harvester) Run(ctx context.Context, command string) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("failed to start command with pty: %w", err)
	}
	defer func() { _ = ptmx.Close() }()
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 200})

	if err := h.Announce(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return -1, err
	}
	slog.Debug("Harvesting command", "input", h.Name(), "pid", cmd.Process.Pid)

	n, readErr := h.Lines(ctx, ptmx)
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				slog.Info("Command terminated by signal", "signal", status.Signal().String())
			}
		} else {
			exitCode = 1
		}
	}
	slog.Debug("Command finished", "input", h.Name(), "lines", n, "exitCode", exitCode)

	if err := h.Retire(); err != nil {
		return exitCode, err
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return exitCode, readErr
	}
	return exitCode, nil
}

// isPTYClosed reports the error Linux returns on reads from a pty master
// whose child side is gone.
func isPTYClosed(err error) bool {
	return errors.Is(err, syscall.EIO)
}
