package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// ErrWebNotServing is returned by Publish before Start or after Shutdown.
var ErrWebNotServing = errors.New("web: server is not running")

// WebPublisher serves the latest digest over HTTP.
type WebPublisher struct {
	addr   string
	server *http.Server
	logger *slog.Logger

	mu      sync.RWMutex
	latest  *domain.DigestPayload
	serving string // listen address while running
}

// NewWebPublisher builds the router. allowOrigins enables CORS for those
// origins.
func NewWebPublisher(addr string, allowOrigins []string, logger *slog.Logger) *WebPublisher {
	wp := &WebPublisher{addr: addr, logger: logger.With("component", "web")}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if len(allowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: allowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{"Origin", "Content-Type"},
		}))
	}
	r.GET("/", wp.handleIndex)
	r.GET("/digest.json", wp.handleJSON)
	r.GET("/health", wp.handleHealth)

	wp.server = &http.Server{Addr: addr, Handler: r}
	return wp
}

// Handler exposes the router, mainly for tests.
func (wp *WebPublisher) Handler() http.Handler { return wp.server.Handler }

// Start begins serving HTTP in the background. Call Shutdown to stop.
func (wp *WebPublisher) Start() error {
	ln, err := net.Listen("tcp", wp.addr)
	if err != nil {
		return fmt.Errorf("web: failed to listen on %s: %w", wp.addr, err)
	}
	wp.mu.Lock()
	wp.serving = ln.Addr().String()
	wp.mu.Unlock()
	go func() {
		wp.logger.Info("web publisher listening", "addr", ln.Addr().String())
		err := wp.server.Serve(ln)
		wp.mu.Lock()
		wp.serving = ""
		wp.mu.Unlock()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			wp.logger.Error("web publisher stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (wp *WebPublisher) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	wp.serving = ""
	wp.mu.Unlock()
	return wp.server.Shutdown(ctx)
}

// Addr is the address being served, or "" when stopped.
func (wp *WebPublisher) Addr() string {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.serving
}

// Seed sets the served digest without counting as a delivery.
func (wp *WebPublisher) Seed(payload *domain.DigestPayload) {
	wp.mu.Lock()
	wp.latest = payload
	wp.mu.Unlock()
}

func (wp *WebPublisher) Name() string { return "web" }

// Publish replaces the served digest. It fails while the server is not
// running.
func (wp *WebPublisher) Publish(_ context.Context, payload *domain.DigestPayload) (domain.Receipt, error) {
	wp.mu.Lock()
	addr := wp.serving
	if addr != "" {
		wp.latest = payload
	}
	wp.mu.Unlock()
	if addr == "" {
		return domain.Receipt{}, retry.Permanent(ErrWebNotServing)
	}
	wp.logger.Info("web publisher updated", "date", payload.Date, "entries", len(payload.Entries))
	return receipt(wp.Name(), addr), nil
}

func (wp *WebPublisher) current() *domain.DigestPayload {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.latest
}

func (wp *WebPublisher) handleIndex(c *gin.Context) {
	payload := wp.current()
	if payload == nil {
		c.Data(http.StatusOK, "text/html; charset=utf-8",
			[]byte(`<!DOCTYPE html><html><body><h1>Daily Digest</h1><p>No digest available yet. Check back later.</p></body></html>`))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(buildHTMLBody(payload)))
}

func (wp *WebPublisher) handleJSON(c *gin.Context) {
	payload := wp.current()
	if payload == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no digest available"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (wp *WebPublisher) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
