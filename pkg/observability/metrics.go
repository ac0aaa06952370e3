// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide instrument set.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal    *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	ToolCalls     *prometheus.CounterVec
	ToolDuration  prometheus.Histogram
	TokensTotal   *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
}

// NewMetrics builds and registers the instrument set on a fresh
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galen_turns_total",
			Help: "Completed assistant turns by terminal status.",
		}, []string{"status"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "galen_turn_duration_seconds",
			Help:    "Wall-clock duration of assistant turns.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galen_tool_calls_total",
			Help: "Tool executions by symbol.",
		}, []string{"tool"}),
		ToolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "galen_tool_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galen_llm_tokens_total",
			Help: "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "galen_active_sse_streams",
			Help: "Currently connected SSE consumers.",
		}),
	}
	registry.MustRegister(m.TurnsTotal, m.TurnDuration, m.ToolCalls, m.ToolDuration, m.TokensTotal, m.ActiveStreams)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The recording helpers below are nil-safe so callers can hold a nil
// *Metrics when metrics are disabled.

// RecordTurn counts one finished turn and its duration.
func (m *Metrics) RecordTurn(status string, seconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(seconds)
}

// RecordToolCall counts one tool execution.
func (m *Metrics) RecordToolCall(tool string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool).Inc()
	m.ToolDuration.Observe(seconds)
}

// RecordTokens accumulates token usage from one LLM call.
func (m *Metrics) RecordTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.TokensTotal.WithLabelValues("completion").Add(float64(completion))
}
