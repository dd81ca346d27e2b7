package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewire/gatewire/internal/core/dispatch"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/server"
	"github.com/gatewire/gatewire/internal/injector"
	"github.com/gatewire/gatewire/internal/metrics"
)

func main() {
	configPath := flag.String("config", "gatewire.yml", "path to the YAML config")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	metricsAddr := flag.String("metrics", "", "listen address for /metrics; empty disables the endpoint")
	flag.Parse()

	app, err := injector.InitApp(*configPath, log.ParseLevel(*logLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewire:", err)
		os.Exit(1)
	}

	registerRoutes(app.Routes)

	srv, err := server.New(app.Config.Servers, app.ServerOptions())
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewire:", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(app.Log, app.Metrics, *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		app.Log.Error("shutdown with error", log.Error(err))
		os.Exit(1)
	}
}

// registerRoutes installs the demonstration handlers the sample config routes
// to. A real deployment replaces these with its own table.
func registerRoutes(routes *dispatch.Table) {
	routes.MustHandle("ping", func() string { return "pong" })
	routes.MustHandle("echo", func(body map[string]any) *message.Outbound {
		return message.OK(body)
	})
	routes.MustHandle("time", func() map[string]string {
		return map[string]string{"now": time.Now().UTC().Format(time.RFC3339Nano)}
	})
	routes.MustHandle("subscribe", func(ctx *pipeline.Context) *message.Outbound {
		push := message.OK(map[string]string{"state": "ready"})
		push.SetHeader(message.TypeHeader, "event.ready")
		_ = ctx.Push(push)
		return message.OK(map[string]bool{"subscribed": true})
	})

	// Path-routed handlers for http servers.
	routes.MustHandle("/healthz", func() map[string]string {
		return map[string]string{"status": "ok"}
	}, dispatch.WithMethod("GET"))
	routes.MustHandle("/users/{id}", func(vars dispatch.PathVars) map[string]string {
		return map[string]string{"id": vars["id"]}
	}, dispatch.WithMethod("GET"))
}

func serveMetrics(lg log.Log, reg *metrics.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	lg.Info("metrics endpoint up", log.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		lg.Error("metrics endpoint failed", log.Error(err))
	}
}
