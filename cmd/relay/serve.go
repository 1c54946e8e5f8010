package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/relay/internal/consumer"
	"github.com/oriys/relay/internal/logging"
	"github.com/oriys/relay/internal/metrics"
	"github.com/oriys/relay/internal/observability"
	"github.com/oriys/relay/internal/recovery"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
		noSweep  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon: metrics endpoint and recovery sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if logLevel == "" {
				logLevel = rt.cfg.Daemon.LogLevel
			}
			logging.SetLevelFromString(logLevel)
			metrics.InitPrometheus("relay", nil)

			if err := observability.Init(ctx, rt.cfg.Telemetry); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())

			sweepCtx, stopSweep := context.WithCancel(ctx)
			defer stopSweep()
			if !noSweep && rt.broker != nil {
				states := consumer.NewStateManager(rt.broker, rt.keys, rt.cfg.Consumer)
				sweeper := recovery.NewSweeper(rt.broker, rt.keys, states, rt.cfg.Recovery)
				go sweeper.Run(sweepCtx)
			}

			if httpAddr == "" {
				httpAddr = rt.cfg.Daemon.HTTPAddr
			}
			var httpServer *http.Server
			if httpAddr != "" {
				httpServer = startHTTPServer(httpAddr, rt)
			}

			logging.Op().Info("relay daemon up",
				"mode", string(rt.cfg.ActiveMode()), "http", httpAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutting down")
			stopSweep()
			if httpServer != nil {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutCtx)
				cancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address for metrics and health")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Disable the recovery sweeper")

	return cmd
}

func startHTTPServer(addr string, rt *runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "ok", "mode": string(rt.cfg.ActiveMode())}
		if rt.broker != nil {
			if err := rt.broker.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				status["status"] = "degraded"
				status["redis"] = err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/functions", func(w http.ResponseWriter, r *http.Request) {
		scope := r.URL.Query().Get("scope")
		options, err := rt.reg.GetAvailableFunctions(r.Context(), scope)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(options)
	})

	server := &http.Server{
		Addr:    addr,
		Handler: observability.HTTPMiddleware(mux),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "addr", addr, "error", err)
		}
	}()
	return server
}
