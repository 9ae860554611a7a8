// Command aggregator runs a lightweight HTTP mock of the price aggregator.
// It is used for E2E/load testing without crawling the real site.
//
// Point the engine at it:
//
//	AGGREGATOR_SEARCH_BASE_URL=http://localhost:19101/search \
//	AGGREGATOR_PRODUCT_BASE_URL=http://localhost:19101/product \
//	./engine
//
// Behaviour flags (via env):
//
//	PORT_AGGREGATOR   — listen port (default 19101)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_BLOCK_RATE   — fraction [0,1] of requests that return a captcha page (default 0)
package main

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS int
	ErrorRate float64
	BlockRate float64
}

func loadConfig() Config {
	var c Config

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_BLOCK_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.BlockRate = f
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

// misbehave applies the configured latency and failure injection. Returns
// true when the request was already answered.
func (c Config) misbehave(w http.ResponseWriter) bool {
	if c.LatencyMS > 0 {
		time.Sleep(time.Duration(c.LatencyMS) * time.Millisecond)
	}
	if c.ErrorRate > 0 && rand.Float64() < c.ErrorRate {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return true
	}
	if c.BlockRate > 0 && rand.Float64() < c.BlockRate {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(blockedPage))
		return true
	}
	return false
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := loadConfig()
	addr := ":" + portFromEnv("PORT_AGGREGATOR", 19101)

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if cfg.misbehave(w) {
			return
		}
		query := r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(searchPage(query)))
		log.Info("search", slog.String("query", query))
	})
	mux.HandleFunc("/product", func(w http.ResponseWriter, r *http.Request) {
		if cfg.misbehave(w) {
			return
		}
		pcode := r.URL.Query().Get("pcode")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(productPage(pcode)))
		log.Info("product", slog.String("pcode", pcode))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock aggregator listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("serve error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
