package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alxayo/cachewire/internal/logger"
	"github.com/alxayo/cachewire/internal/transport"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level, using default: %v\n", err)
	}
	log := logger.Logger().With("component", "cli")

	tr, err := transport.New(nil, int(cfg.bufferSize), int(cfg.maxConnections))
	if err != nil {
		log.Error("failed to construct transport", "error", err)
		os.Exit(1)
	}

	if cfg.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(tr.Metrics())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		log.Info("metrics listening", "addr", cfg.metricsAddr)
	}

	handler := transport.HandlerFunc(func(msg *transport.ReceivedMessage) {
		log.Debug("dropping message, no handler configured", "correlation_id", msg.CorrelationID, "len", len(msg.Payload))
	})
	if cfg.echo {
		handler = func(msg *transport.ReceivedMessage) {
			if err := tr.ServerSend(msg.Payload, msg); err != nil {
				log.Warn("echo reply failed", "error", err, "correlation_id", msg.CorrelationID)
			}
		}
	}

	if err := tr.Listen(cfg.listenAddr, handler); err != nil {
		log.Error("failed to start listening", "error", err)
		os.Exit(1)
	}
	log.Info("transport listening", "addr", cfg.listenAddr, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := tr.Dispose(); err != nil {
			log.Error("transport dispose error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("transport stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
