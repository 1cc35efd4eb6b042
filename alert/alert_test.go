package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type document struct {
	CVE string `json:"cve"`
}

func TestFormat(t *testing.T) {
	require := require.New(t)

	payload := []byte(`{"cve":"CVE-2019-0001"}`)

	msg := Format(Alert{AgentID: 7, AgentName: "web", AgentIP: "10.0.0.5"}, payload)
	require.Equal(`4:[007] (web) 10.0.0.5:1:vulnerability-detector:{"cve":"CVE-2019-0001"}`, string(msg))

	msg = Format(Alert{AgentID: 0, AgentName: "manager"}, payload)
	require.Equal(`1:vulnerability-detector:{"cve":"CVE-2019-0001"}`, string(msg))
}

func TestQueueEmitter(t *testing.T) {
	require := require.New(t)

	buf := &bytes.Buffer{}
	e := NewQueueEmitter(buf, 1000, nil)

	for i := 0; i < 3; i++ {
		err := e.Emit(context.Background(), Alert{AgentID: 1, AgentName: "a", AgentIP: "10.0.0.1", Document: document{CVE: "CVE-2019-0001"}})
		require.NoError(err)
	}
	require.Equal(3, strings.Count(buf.String(), "vulnerability-detector:"))
}

func TestQueueEmitterHonoursContext(t *testing.T) {
	e := NewQueueEmitter(io.Discard, 1, nil)
	require.NoError(t, e.Emit(context.Background(), Alert{Document: document{}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, e.Emit(ctx, Alert{Document: document{}}))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestQueueEmitterRedials(t *testing.T) {
	require := require.New(t)

	buf := &bytes.Buffer{}
	e := NewQueueEmitter(failingWriter{}, 1000, nil)
	redials := 0
	e.Redial = func(context.Context) (io.Writer, error) {
		redials++
		return buf, nil
	}

	require.NoError(e.Emit(context.Background(), Alert{Document: document{CVE: "CVE-1"}}))
	require.NoError(e.Emit(context.Background(), Alert{Document: document{CVE: "CVE-2"}}))
	require.Equal(1, redials)
	require.Contains(buf.String(), "CVE-1")
	require.Contains(buf.String(), "CVE-2")
}

func TestQueueEmitterWithoutRedial(t *testing.T) {
	e := NewQueueEmitter(failingWriter{}, 1000, nil)
	require.Error(t, e.Emit(context.Background(), Alert{Document: document{}}))
}

func TestDialQueue(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "q")
	listener, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(err)
	defer listener.Close()

	e, err := DialQueue(context.Background(), path, 10, nil)
	require.NoError(err)
	defer e.Close()

	require.NoError(e.Emit(context.Background(), Alert{AgentID: 3, AgentName: "db", AgentIP: "any", Document: document{CVE: "CVE-2019-0002"}}))

	require.NoError(listener.SetReadDeadline(time.Now().Add(5 * time.Second)))
	buf := make([]byte, 1024)
	n, err := listener.Read(buf)
	require.NoError(err)
	require.Equal(`4:[003] (db) any:1:vulnerability-detector:{"cve":"CVE-2019-0002"}`, string(buf[:n]))
}

func TestWriterEmitter(t *testing.T) {
	require := require.New(t)

	buf := &bytes.Buffer{}
	e := NewWriterEmitter(buf)
	require.NoError(e.Emit(context.Background(), Alert{AgentID: 12, AgentName: "web", AgentIP: "10.0.0.5", Document: document{CVE: "CVE-2019-0003"}}))
	require.NoError(e.Emit(context.Background(), Alert{AgentID: 0, Document: document{CVE: "CVE-2019-0004"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(lines, 2)

	var got struct {
		Agent struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			IP   string `json:"ip"`
		} `json:"agent"`
		Data document `json:"data"`
	}
	require.NoError(json.Unmarshal([]byte(lines[0]), &got))
	require.Equal("012", got.Agent.ID)
	require.Equal("web", got.Agent.Name)
	require.Equal("CVE-2019-0003", got.Data.CVE)

	require.NotContains(lines[1], `"ip"`)
}

type recorder struct {
	alerts []Alert
	err    error
}

func (r *recorder) Emit(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestMulti(t *testing.T) {
	require := require.New(t)

	first := &recorder{err: errors.New("first failed")}
	second := &recorder{}

	err := Multi{first, second}.Emit(context.Background(), Alert{AgentID: 1})
	require.ErrorContains(err, "first failed")
	require.Len(first.alerts, 1)
	require.Len(second.alerts, 1)
}
