// Package webserver is the small HTTP server that fetch clients download
// from during an experiment.
package webserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/handlers"

	"github.com/NodePath81/bufferbloat/internal/util"
)

const shutdownTimeout = 2 * time.Second

// DefaultPage is served at / when the root has no index.html.
const DefaultPage = `<!DOCTYPE html>
<html>
<head><title>bufferbloat</title></head>
<body>
<h1>bufferbloat</h1>
<p>Test page for web page fetch timing under a loaded bottleneck queue.</p>
</body>
</html>
`

// Handler serves files under root, falling back to DefaultPage for / when
// index.html is missing. Requests are access-logged to accessLog.
func Handler(root string, accessLog io.Writer) http.Handler {
	files := http.FileServer(http.Dir(root))
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			if _, err := os.Stat(filepath.Join(root, "index.html")); err != nil {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				_, _ = io.WriteString(w, DefaultPage)
				return
			}
		}
		files.ServeHTTP(w, r)
	})
	return handlers.LoggingHandler(accessLog, mux)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr, root string, accessLog io.Writer, logger util.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, root, accessLog, logger)
}

func ServeListener(ctx context.Context, ln net.Listener, root string, accessLog io.Writer, logger util.Logger) error {
	srv := &http.Server{
		Handler:           Handler(root, accessLog),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("web server listening", "addr", ln.Addr().String(), "root", root)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	logger.Info("web server stopped")
	return nil
}
