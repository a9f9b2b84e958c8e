package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's counters. Handlers bump plain atomics on
// the hot path; the Prometheus registry reads them lazily through
// CounterFunc at scrape time, so no Prometheus code runs per command.
type Metrics struct {
	TotalConnections atomic.Uint64 // connections ever accepted
	TotalCommands    atomic.Uint64 // commands ever dispatched
	CommandErrors    atomic.Uint64 // error responses ever written
	Compactions      atomic.Uint64 // journal compactions completed
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// registry builds a Prometheus registry exposing the counters.
func (m *Metrics) registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "dyad_connections_total",
		Help: "Total client connections accepted.",
	}, func() float64 { return float64(m.TotalConnections.Load()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "dyad_commands_total",
		Help: "Total commands dispatched.",
	}, func() float64 { return float64(m.TotalCommands.Load()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "dyad_command_errors_total",
		Help: "Total error responses written to clients.",
	}, func() float64 { return float64(m.CommandErrors.Load()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "dyad_aof_compactions_total",
		Help: "Total journal compactions completed.",
	}, func() float64 { return float64(m.Compactions.Load()) }))

	return reg
}

// serveMetrics exposes /metrics on its own listener so scrapes never
// compete with client traffic on the RESP port. Runs until the process
// exits; a failure to bind is fatal for the goroutine but not the
// server, which keeps serving clients without metrics.
func (app *application) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.metrics.registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	app.logger.Info("metrics listener starting", "address", addr)
	if err := srv.ListenAndServe(); err != nil {
		app.logger.Error("metrics listener stopped", "error", err)
	}
}
