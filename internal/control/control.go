// Package control serves live run metrics and a status event stream while an
// experiment runs.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NodePath81/bufferbloat/internal/metrics"
	"github.com/NodePath81/bufferbloat/internal/util"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type ControlServer struct {
	listen  string
	metrics *metrics.Metrics
	status  *Status
	logger  util.Logger
	server  *http.Server
	ln      net.Listener
	served  chan struct{}
}

func NewControlServer(listen string, metrics *metrics.Metrics, status *Status, logger util.Logger) *ControlServer {
	return &ControlServer{
		listen:  listen,
		metrics: metrics,
		status:  status,
		logger:  logger,
	}
}

func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/run", c.handleRun)
	return mux
}

// Start binds the listen address and serves in the background. A bind
// failure is returned.
func (c *ControlServer) Start() error {
	ln, err := net.Listen("tcp", c.listen)
	if err != nil {
		return err
	}
	c.ln = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	c.served = make(chan struct{})
	go func() {
		defer close(c.served)
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, valid after Start.
func (c *ControlServer) Addr() string {
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	err := c.server.Shutdown(ctx)
	<-c.served
	return err
}

func (c *ControlServer) handleRun(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.status.Snapshot())
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &statusClient{send: make(chan []byte, 64)}
	if data, err := json.Marshal(c.status.Snapshot()); err == nil {
		client.send <- data
	}
	c.status.hub.Register(client)

	var cleanupOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			_ = conn.Close()
			c.status.hub.Unregister(client)
		})
	}

	// Reads only drive pong handling and notice the peer going away.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}
