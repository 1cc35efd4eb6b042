// Package alert delivers findings to the manager's analysis queue or to a
// stream of JSON lines.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Location is the module name alerts are tagged with.
	Location = "vulnerability-detector"

	// SecureQueue receives alerts that belong to an agent.
	SecureQueue = '4'
	// LocalfileQueue receives alerts of the manager itself.
	LocalfileQueue = '1'

	DefaultMaxEPS = 100

	// DialAttempts bounds the connection attempts to the queue.
	DialAttempts = 5
)

// Alert is a finding ready to be sent. Document is marshalled as JSON.
type Alert struct {
	AgentID   int
	AgentName string
	AgentIP   string
	Document  any
}

type Emitter interface {
	Emit(ctx context.Context, a Alert) error
}

// Format renders the queue message of an alert. Alerts without an IP are
// sent as the manager.
func Format(a Alert, payload []byte) []byte {
	if a.AgentIP == "" {
		return []byte(fmt.Sprintf("%c:%s:%s", LocalfileQueue, Location, payload))
	}
	header := fmt.Sprintf("[%03d] (%s) %s", a.AgentID, a.AgentName, a.AgentIP)
	return []byte(fmt.Sprintf("%c:%s:1:%s:%s", SecureQueue, header, Location, payload))
}

// QueueEmitter writes one datagram per alert, at most MaxEPS per second.
type QueueEmitter struct {
	mu      sync.Mutex
	conn    io.Writer
	limiter *rate.Limiter

	// Redial replaces a connection that failed to write. It may be nil.
	Redial func(ctx context.Context) (io.Writer, error)
	Log    *slog.Logger
}

func NewQueueEmitter(conn io.Writer, maxEPS int, log *slog.Logger) *QueueEmitter {
	if maxEPS <= 0 {
		maxEPS = DefaultMaxEPS
	}
	if log == nil {
		log = slog.Default()
	}
	return &QueueEmitter{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(maxEPS), 1),
		Log:     log,
	}
}

// DialQueue connects to the unix datagram socket at path. Failed attempts
// are retried with a linearly growing delay.
func DialQueue(ctx context.Context, path string, maxEPS int, log *slog.Logger) (*QueueEmitter, error) {
	dial := func(ctx context.Context) (io.Writer, error) {
		return dialUnixgram(ctx, path)
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	e := NewQueueEmitter(conn, maxEPS, log)
	e.Redial = dial
	return e, nil
}

func dialUnixgram(ctx context.Context, path string) (net.Conn, error) {
	dialer := net.Dialer{}
	var err error
	for attempt := 0; attempt < DialAttempts; attempt++ {
		var conn net.Conn
		if conn, err = dialer.DialContext(ctx, "unixgram", path); err == nil {
			return conn, nil
		}
		t := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("could not connect to queue %s: %w", path, err)
}

func (e *QueueEmitter) Emit(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a.Document)
	if err != nil {
		return fmt.Errorf("could not marshal alert: %w", err)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := Format(a, payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err = e.conn.Write(msg)
	if err == nil {
		return nil
	}
	if e.Redial == nil {
		return fmt.Errorf("could not send alert: %w", err)
	}

	e.Log.Error("Could not send alert, reconnecting to queue", "err", err)
	if c, ok := e.conn.(io.Closer); ok {
		c.Close()
	}
	conn, derr := e.Redial(ctx)
	if derr != nil {
		return fmt.Errorf("could not reconnect to queue: %w", derr)
	}
	e.conn = conn
	if _, err := e.conn.Write(msg); err != nil {
		return fmt.Errorf("could not send alert: %w", err)
	}
	return nil
}

func (e *QueueEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type agentRecord struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
}

type line struct {
	Agent agentRecord `json:"agent"`
	Data  any         `json:"data"`
}

// WriterEmitter writes alerts as JSON lines.
type WriterEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterEmitter(w io.Writer) *WriterEmitter {
	return &WriterEmitter{enc: json.NewEncoder(w)}
}

func (e *WriterEmitter) Emit(_ context.Context, a Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.enc.Encode(line{
		Agent: agentRecord{
			ID:   fmt.Sprintf("%03d", a.AgentID),
			Name: a.AgentName,
			IP:   a.AgentIP,
		},
		Data: a.Document,
	})
	if err != nil {
		return fmt.Errorf("could not write alert: %w", err)
	}
	return nil
}

// Multi sends every alert to all of its emitters.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, a Alert) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
