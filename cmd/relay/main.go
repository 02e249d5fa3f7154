// Command relay runs the Xenote MCP relay: the streamable HTTP endpoint
// MCP clients talk to, the websocket endpoint browser tabs connect to, and
// the OAuth broker that ties the two together.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xenote/mcp-relay/auth"
	"github.com/xenote/mcp-relay/authbroker"
	"github.com/xenote/mcp-relay/config"
	"github.com/xenote/mcp-relay/internal/logctx"
	"github.com/xenote/mcp-relay/providerws"
	"github.com/xenote/mcp-relay/relay"
	"github.com/xenote/mcp-relay/storage"
	memorystore "github.com/xenote/mcp-relay/storage/memory"
	redisstore "github.com/xenote/mcp-relay/storage/redis"
	"github.com/xenote/mcp-relay/streaminghttp"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("relay.fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})})
	slog.SetDefault(log)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := relay.NewRegistry(
		relay.WithLogger(log),
		relay.WithCallTimeout(cfg.ToolCallTimeout),
	)
	authenticator := &auth.TokenAuthenticator{Prefix: relay.TokenPrefix}

	mux := http.NewServeMux()
	mux.Handle("/mcp", streaminghttp.New(reg, authenticator, streaminghttp.WithLogger(log)))
	mux.Handle("GET /socket", providerws.NewHandler(reg,
		providerws.WithLogger(log),
		providerws.WithAllowedOrigins(cfg.CORSOrigins),
	))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	broker := authbroker.New(store, cfg.AuthURL, relay.TokenPrefix, authbroker.WithLogger(log))
	broker.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           withCORS(cfg.CORSOrigins, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay.listen",
			slog.String("addr", srv.Addr),
			slog.String("auth_url", cfg.AuthURL),
			slog.Bool("redis", cfg.RedisAddr != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("relay.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.RedisAddr != "" {
		return redisstore.NewFromAddr(ctx, cfg.RedisAddr)
	}
	return memorystore.New(1024)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// withCORS applies the browser-facing CORS policy. Only the configured
// origins may make credentialed requests; the MCP response headers the
// browser needs to read are exposed explicitly.
func withCORS(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
				h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id, Mcp-Protocol-Version, WWW-Authenticate")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
