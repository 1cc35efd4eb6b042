// Package inventory is a client of the agent database socket. It lists the
// active agents and pulls their installed software, hotfixes and OS release.
package inventory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/moznion/go-optional"
)

const (
	// DefaultSocket is the inventory socket relative to the manager's home.
	DefaultSocket = "queue/db/wdb"

	// ConnectAttempts bounds the connection attempts to the socket.
	ConnectAttempts = 5

	// PageSize is the number of packages requested at once.
	PageSize = 20

	// DefaultWindow is how recently an agent must have sent a keepalive to
	// be scanned.
	DefaultWindow = 30 * time.Minute

	// MaxMessage bounds the size of a single response.
	MaxMessage = 1 << 20

	localhost = "127.0.0.1"
)

var (
	ErrQuery    = errors.New("inventory query failed")
	ErrTooLarge = errors.New("inventory response too large")
)

// Agent is an agent known to the manager.
type Agent struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	IP         string `json:"ip"`
	RegisterIP string `json:"register_ip"`
	OSName     string `json:"os_name"`
	OSMajor    string `json:"os_major"`
	OSMinor    string `json:"os_minor"`
	OSArch     string `json:"os_arch"`
	OSBuild    string `json:"os_build"`
}

// AlertIP is the address alerts of the agent are tagged with. The manager
// itself has none.
func (a Agent) AlertIP() string {
	if a.IP == "" {
		return a.RegisterIP
	}
	if a.IP == localhost {
		return ""
	}
	return a.IP
}

// Label formats the agent id the way the manager does.
func (a Agent) Label() string {
	return fmt.Sprintf("%03d", a.ID)
}

// Package is one installed program of an agent.
type Package struct {
	Name         string                  `json:"name"`
	Version      string                  `json:"version"`
	Architecture string                  `json:"architecture"`
	Vendor       string                  `json:"vendor"`
	CPE          optional.Option[string] `json:"cpe"`
	MsuName      optional.Option[string] `json:"msu_name"`
}

type Client struct {
	Socket string
	Dial   func(ctx context.Context, network, address string) (net.Conn, error)
	Sleep  func(ctx context.Context, d time.Duration) error
	Log    *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New returns a client of the unix socket at path. The connection is opened
// lazily by the first query.
func New(path string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	dialer := &net.Dialer{}
	return &Client{
		Socket: path,
		Dial:   dialer.DialContext,
		Sleep:  sleep,
		Log:    log,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect opens the socket, sleeping one second more after every failed
// attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	var err error
	for attempt := 0; attempt < ConnectAttempts; attempt++ {
		var conn net.Conn
		if conn, err = c.Dial(ctx, "unix", c.Socket); err == nil {
			c.conn = conn
			return nil
		}
		c.Log.Debug("Could not connect to inventory socket", "socket", c.Socket, "attempt", attempt, "err", err)
		if serr := c.Sleep(ctx, time.Duration(attempt)*time.Second); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("could not connect to %s after %d attempts: %w", c.Socket, ConnectAttempts, err)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// WriteMessage frames msg with its little endian length.
func WriteMessage(w io.Writer, msg []byte) error {
	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one length prefixed message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Query sends a request and decodes the payload of an "ok" answer into out.
// The connection is dropped on transport errors so the next query reconnects.
func (c *Client) Query(ctx context.Context, request string, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}

	// no deadline clears the previous one
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return c.drop(fmt.Errorf("could not set deadline: %w", err))
	}

	if err := WriteMessage(c.conn, []byte(request)); err != nil {
		return c.drop(fmt.Errorf("could not send inventory request: %w", err))
	}
	response, err := ReadMessage(c.conn)
	if err != nil {
		return c.drop(fmt.Errorf("could not read inventory response: %w", err))
	}

	return decode(response, out)
}

func (c *Client) drop(err error) error {
	c.conn.Close()
	c.conn = nil
	return err
}

func decode(response []byte, out any) error {
	status, payload, _ := strings.Cut(string(response), " ")
	switch status {
	case "ok":
	case "err":
		return fmt.Errorf("%w: %s", ErrQuery, payload)
	default:
		return fmt.Errorf("%w: unexpected answer '%s'", ErrQuery, truncate(string(response), 64))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("could not decode inventory answer: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// quote escapes a value for use inside a single quoted SQL literal.
func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
