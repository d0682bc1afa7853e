// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package monitoring provides Prometheus metrics and the HTTP status API
// for saga and idempotent-operation observability.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements coordinator.MetricsCollector on top of a
// Prometheus registry.
type PrometheusCollector struct {
	sagasStarted     *prometheus.CounterVec
	sagasFinished    *prometheus.CounterVec
	sagaDuration     *prometheus.HistogramVec
	stepsExecuted    *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	compensationRuns *prometheus.CounterVec
}

// NewPrometheusCollector creates the collector and registers its metrics.
// A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		sagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_sagas_started_total",
			Help: "Total number of saga executions started.",
		}, []string{"workflow_type"}),
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_sagas_finished_total",
			Help: "Total number of sagas reaching a terminal state.",
		}, []string{"workflow_type", "outcome"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasks_saga_duration_seconds",
			Help:    "End-to-end saga duration from creation to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"workflow_type", "outcome"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_steps_executed_total",
			Help: "Total number of step handler invocations.",
		}, []string{"workflow_type", "operation", "success"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasks_step_duration_seconds",
			Help:    "Step handler invocation duration.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"workflow_type", "operation"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_step_retries_total",
			Help: "Total number of step retry attempts.",
		}, []string{"workflow_type", "operation"}),
		compensationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_compensations_executed_total",
			Help: "Total number of compensation handler invocations.",
		}, []string{"workflow_type", "operation", "success"}),
	}

	registry.MustRegister(
		c.sagasStarted,
		c.sagasFinished,
		c.sagaDuration,
		c.stepsExecuted,
		c.stepDuration,
		c.stepRetries,
		c.compensationRuns,
	)
	return c
}

// RecordSagaStarted implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordSagaStarted(workflowType string) {
	c.sagasStarted.WithLabelValues(workflowType).Inc()
}

// RecordSagaCompleted implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordSagaCompleted(workflowType string, duration time.Duration) {
	c.recordFinished(workflowType, "completed", duration)
}

// RecordSagaFailed implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordSagaFailed(workflowType string, duration time.Duration) {
	c.recordFinished(workflowType, "failed", duration)
}

// RecordSagaCompensated implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordSagaCompensated(workflowType string, duration time.Duration) {
	c.recordFinished(workflowType, "compensated", duration)
}

func (c *PrometheusCollector) recordFinished(workflowType, outcome string, duration time.Duration) {
	c.sagasFinished.WithLabelValues(workflowType, outcome).Inc()
	c.sagaDuration.WithLabelValues(workflowType, outcome).Observe(duration.Seconds())
}

// RecordStepExecuted implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordStepExecuted(workflowType, operation string, success bool, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(workflowType, operation, strconv.FormatBool(success)).Inc()
	c.stepDuration.WithLabelValues(workflowType, operation).Observe(duration.Seconds())
}

// RecordStepRetried implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordStepRetried(workflowType, operation string, attempt int) {
	c.stepRetries.WithLabelValues(workflowType, operation).Inc()
}

// RecordCompensationExecuted implements coordinator.MetricsCollector.
func (c *PrometheusCollector) RecordCompensationExecuted(workflowType, operation string, success bool, duration time.Duration) {
	c.compensationRuns.WithLabelValues(workflowType, operation, strconv.FormatBool(success)).Inc()
}

// MetricsExporter serves a Prometheus registry over HTTP.
type MetricsExporter struct {
	gatherer prometheus.Gatherer
}

// NewMetricsExporter creates an exporter for the registry. A nil registry
// uses prometheus.DefaultGatherer.
func NewMetricsExporter(registry *prometheus.Registry) *MetricsExporter {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		gatherer = registry
	}
	return &MetricsExporter{gatherer: gatherer}
}

// HTTPHandler returns the Prometheus text-format handler, usable directly
// with http.Handle or gin.WrapH.
func (me *MetricsExporter) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(me.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
