// FlowCatalyst Message Router
//
// Standalone message router binary. Accepts messages over HTTP, fans them
// out across per-group FSMs driven by the batch-system dispatch pool, and
// delivers each one via HTTP mediation to its target endpoint.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/router/pool"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const (
	defaultHTTPPort      = 8080
	defaultConcurrency   = 8
	defaultQueueCapacity = 1024
	drainTimeout         = 10 * time.Second
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	// ========================================
	// 1. DISPATCH POOL
	// ========================================
	med := newHTTPMediator()
	processPool := pool.NewProcessPool(
		"router",
		envInt("FLOWCATALYST_POOL_CONCURRENCY", defaultConcurrency),
		envInt("FLOWCATALYST_POOL_QUEUE_CAPACITY", defaultQueueCapacity),
		envRateLimit(),
		med,
		&loggingCallback{},
	)
	processPool.Start()

	// ========================================
	// 2. HTTP SURFACE
	// ========================================
	httpRouter := setupHTTPRouter(processPool)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", envInt("FLOWCATALYST_HTTP_PORT", defaultHTTPPort)),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// ========================================
	// 3. SHUTDOWN
	// ========================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	processPool.Drain()
	deadline := time.Now().Add(drainTimeout)
	for !processPool.IsFullyDrained() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	processPool.Shutdown()

	slog.Info("Router stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
		slog.Warn("Ignoring invalid env value", "name", name, "value", raw)
	}
	return fallback
}

func envRateLimit() *int {
	if raw := os.Getenv("FLOWCATALYST_POOL_RATE_LIMIT_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return &v
		}
		slog.Warn("Ignoring invalid env value", "name", "FLOWCATALYST_POOL_RATE_LIMIT_PER_MINUTE", "value", raw)
	}
	return nil
}

func setupHTTPRouter(processPool *pool.ProcessPool) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/router/messages", submitHandler(processPool))

	return r
}

// submitMessage is the ingestion payload: which group the message belongs
// to, where to deliver it, and what to deliver.
type submitMessage struct {
	ID              string            `json:"id"`
	BatchID         string            `json:"batchId,omitempty"`
	MessageGroupID  string            `json:"messageGroupId"`
	MediationTarget string            `json:"mediationTarget"`
	AuthToken       string            `json:"authToken,omitempty"`
	Payload         json.RawMessage   `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
}

func submitHandler(processPool *pool.ProcessPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.MediationTarget == "" {
			http.Error(w, "mediationTarget is required", http.StatusBadRequest)
			return
		}

		msg := &pool.MessagePointer{
			ID:              req.ID,
			BatchID:         req.BatchID,
			MessageGroupID:  req.MessageGroupID,
			MediationTarget: req.MediationTarget,
			AuthToken:       req.AuthToken,
			Payload:         req.Payload,
			Headers:         req.Headers,
		}
		if !processPool.Submit(msg) {
			http.Error(w, "pool queue is full", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// httpMediator delivers a message by POSTing its payload to the message's
// mediation target and mapping the HTTP outcome onto a MediationResult:
// 2xx is success, 4xx is a config error (retrying cannot help), everything
// else is a process error eligible for redelivery.
type httpMediator struct {
	client *http.Client
}

func newHTTPMediator() *httpMediator {
	return &httpMediator{client: &http.Client{Timeout: 30 * time.Second}}
}

func (m *httpMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	req, err := http.NewRequest(http.MethodPost, msg.MediationTarget, bytes.NewReader(msg.Payload))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  fmt.Errorf("mediation target returned %d", resp.StatusCode),
		}
	default:
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  fmt.Errorf("mediation target returned %d", resp.StatusCode),
		}
	}
}

// loggingCallback settles messages ingested over HTTP. There is no queue
// broker behind them to acknowledge into, so settlement invokes the
// per-message hooks when the producer supplied them and otherwise just
// records the outcome.
type loggingCallback struct{}

func (c *loggingCallback) Ack(msg *pool.MessagePointer) {
	if msg.AckFunc != nil {
		msg.AckFunc()
		return
	}
	slog.Debug("Message acked", "id", msg.ID, "group", msg.MessageGroupID)
}

func (c *loggingCallback) Nack(msg *pool.MessagePointer) {
	if msg.NakFunc != nil {
		msg.NakFunc()
		return
	}
	slog.Warn("Message nacked", "id", msg.ID, "group", msg.MessageGroupID)
}

func (c *loggingCallback) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	if msg.NakDelayFunc != nil {
		msg.NakDelayFunc(seconds)
	}
}

func (c *loggingCallback) SetFastFailVisibility(msg *pool.MessagePointer) {
	if msg.NakDelayFunc != nil {
		msg.NakDelayFunc(1)
	}
}

func (c *loggingCallback) ResetVisibilityToDefault(msg *pool.MessagePointer) {}
