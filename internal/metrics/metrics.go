// Package metrics exposes coordinator execution metrics to Prometheus.
// Every value is computed from the coordinator at scrape time.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/taskmesh/internal/orchestrator"
)

const namespace = "taskmesh"

// Source is what the collector reads; *orchestrator.Coordinator implements it.
type Source interface {
	GetExecutionMetrics() orchestrator.ExecutionMetrics
}

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	src Source

	executions  *prometheus.Desc
	successRate *prometheus.Desc
	avgSeconds  *prometheus.Desc
	throughput  *prometheus.Desc
	utilization *prometheus.Desc
	agents      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector reading src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		executions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "executions"),
			"Executions known to the coordinator by status.", []string{"status"}, nil),
		successRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "execution_success_ratio"),
			"Completed executions over completed plus failed.", nil, nil),
		avgSeconds: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "execution_duration_average_seconds"),
			"Mean duration of finished executions.", nil, nil),
		throughput: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "executions_completed_per_minute"),
			"Completed executions per minute of coordinator uptime.", nil, nil),
		utilization: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "resource_utilization_ratio"),
			"Reserved fraction of pool capacity.", []string{"resource"}, nil),
		agents: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "agents"),
			"Registered agents by status.", []string{"status"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executions
	ch <- c.successRate
	ch <- c.avgSeconds
	ch <- c.throughput
	ch <- c.utilization
	ch <- c.agents
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.src.GetExecutionMetrics()

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.executions, float64(m.RunningExecutions), "running")
	gauge(c.executions, float64(m.QueuedExecutions), "queued")
	gauge(c.executions, float64(m.CompletedExecutions), "completed")
	gauge(c.executions, float64(m.FailedExecutions), "failed")
	gauge(c.executions, float64(m.CancelledExecutions), "cancelled")

	gauge(c.successRate, m.SuccessRate)
	gauge(c.avgSeconds, m.AverageExecutionTime.Seconds())
	gauge(c.throughput, m.Throughput)

	gauge(c.utilization, m.Utilization.Memory, "memory")
	gauge(c.utilization, m.Utilization.CPU, "cpu")
	gauge(c.utilization, m.Utilization.Agents, "agents")

	gauge(c.agents, float64(m.IdleAgents), "idle")
	gauge(c.agents, float64(m.BusyAgents), "busy")
	gauge(c.agents, float64(m.OfflineAgents), "offline")
}

// NewRegistry returns a registry holding the collector plus the Go runtime collectors.
func NewRegistry(src Source) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, fmt.Errorf("failed to register collector: %w", err)
	}
	if err := reg.Register(prometheus.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	return reg, nil
}

// Serve exposes reg on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
