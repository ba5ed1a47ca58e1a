package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/NodePath81/bufferbloat/internal/metrics"
	"github.com/NodePath81/bufferbloat/internal/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return ev
}

// readEventOfType skips events of other types, e.g. a state event queued
// before the subscriber registered.
func readEventOfType(t *testing.T, conn *websocket.Conn, typ string) Event {
	t.Helper()
	for {
		if ev := readEvent(t, conn); ev.Type == typ {
			return ev
		}
	}
}

func TestControlServerStatusStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewStatusHub(ctx.Done())
	status := NewStatus("run-1", hub)
	status.SetState("initializing")
	m := metrics.NewMetrics("run-1")
	m.QueueDepth.Set(5)

	srv := NewControlServer("127.0.0.1:0", m, status, util.NewLogger(slog.LevelError))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/status", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first.Type != EventState || first.State != "initializing" || first.RunID != "run-1" {
		t.Fatalf("first event = %+v", first)
	}

	status.Queue(1500*time.Millisecond, 12)
	ev := readEventOfType(t, conn, EventQueue)
	if ev.Type != EventQueue || ev.Depth == nil || *ev.Depth != 12 || ev.Elapsed != 1.5 {
		t.Fatalf("queue event = %+v", ev)
	}

	status.Fetch("h2", 0.25)
	ev = readEventOfType(t, conn, EventFetch)
	if ev.Type != EventFetch || ev.Client != "h2" || ev.Seconds != 0.25 {
		t.Fatalf("fetch event = %+v", ev)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	client.CloseIdleConnections()
	if !strings.Contains(string(body), `bufferbloat_queue_depth_packets{run_id="run-1"} 5`) {
		t.Fatalf("metrics body missing queue depth:\n%s", body)
	}

	cancel()
	<-hub.Done()
	// The hub closing the client ends the stream.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("stream still open after hub stopped")
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestBroadcastDoesNotBlockWithoutClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewStatusHub(ctx.Done())
	status := NewStatus("run-2", hub)
	for i := 0; i < 1000; i++ {
		status.Queue(time.Duration(i)*time.Millisecond, i)
	}
	if got := status.Snapshot(); got.RunID != "run-2" {
		t.Fatalf("snapshot = %+v", got)
	}
	cancel()
	<-hub.Done()
}
