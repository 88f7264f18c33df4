package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/activities"
	"github.com/wtthornton/TappsCodingAgents-sub003/config"
)

// app holds what every command needs
type app struct {
	configPath string
	jsonOut    bool

	cfg      *config.Config
	logger   *slog.Logger
	engine   *workflow.Engine
	registry *prometheus.Registry
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger(os.Stderr)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := cfg.EngineOptions(ctx, a.logger, activities.Defaults())
	if err != nil {
		return err
	}
	opts.Defaults.ExecutionCallbacks = workflow.NewCallbackChain(
		workflow.NewMetricsCallbacks(a.registry),
		workflow.NewTracingCallbacks(otel.Tracer("workflow")),
		&progressPrinter{quiet: a.jsonOut},
	)
	a.engine, err = workflow.NewEngine(opts)
	return err
}

func (a *app) close() error {
	if a.engine == nil {
		return nil
	}
	return a.engine.Store().Close()
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}
