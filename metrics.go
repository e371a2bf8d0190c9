// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gauge is the subset of prometheus.Gauge that is updated internally.
type Gauge interface {
	Inc()
	Dec()
	Add(float64)
	Set(float64)
}

// Counter is the subset of prometheus.Counter that is updated internally.
type Counter interface {
	Inc()
	Add(float64)
}

// Metrics is a set of prometheus collectors for servers and channels. A
// single *Metrics may be shared by several of them; register it once
// with a prometheus.Registerer. A nil *Metrics records nothing.
type Metrics struct {
	serverConns       prometheus.Gauge
	handshakeFailures prometheus.Counter
	streamsInFlight   prometheus.Gauge
	streamsQueued     prometheus.Gauge
	streamsRejected   prometheus.Counter
	calls             *prometheus.CounterVec
	callSeconds       prometheus.Histogram
	callsQueued       prometheus.Gauge
	pooledConns       prometheus.Gauge
	connectFailures   *prometheus.CounterVec
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics creates the collectors, prefixing every metric name with
// namespace (which may be empty).
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		serverConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connections",
			Help:      "Current number of negotiated server connections",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_handshake_failures_total",
			Help:      "Total accepted connections that failed stream negotiation",
		}),
		streamsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_streams_in_flight",
			Help:      "Current number of streams running a handler",
		}),
		streamsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_streams_queued",
			Help:      "Current number of streams waiting for the concurrency limit",
		}),
		streamsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_streams_rejected_total",
			Help:      "Total streams rejected because the queue was full",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_calls_total",
			Help:      "Total calls by result",
		}, []string{"result"}),
		callSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_call_duration_seconds",
			Help:      "Distribution of call latencies up to the response headers",
			Buckets: []float64{
				.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60,
			},
		}),
		callsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_calls_queued",
			Help:      "Current number of calls waiting for admission",
		}),
		pooledConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_pooled_connections",
			Help:      "Current number of pooled client connections",
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_connect_failures_total",
			Help:      "Total failed connection attempts by phase",
		}, []string{"phase"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.serverConns,
		m.handshakeFailures,
		m.streamsInFlight,
		m.streamsQueued,
		m.streamsRejected,
		m.calls,
		m.callSeconds,
		m.callsQueued,
		m.pooledConns,
		m.connectFailures,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	if m == nil {
		return
	}
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m == nil {
		return
	}
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) serverConnections() Gauge {
	if m == nil {
		return nilGauge{}
	}
	return m.serverConns
}

func (m *Metrics) handshakeFailed() Counter {
	if m == nil {
		return nilCounter{}
	}
	return m.handshakeFailures
}

func (m *Metrics) inFlightStreams() Gauge {
	if m == nil {
		return nilGauge{}
	}
	return m.streamsInFlight
}

func (m *Metrics) queuedStreams() Gauge {
	if m == nil {
		return nilGauge{}
	}
	return m.streamsQueued
}

func (m *Metrics) rejectedStreams() Counter {
	if m == nil {
		return nilCounter{}
	}
	return m.streamsRejected
}

func (m *Metrics) queuedCalls() Gauge {
	if m == nil {
		return nilGauge{}
	}
	return m.callsQueued
}

func (m *Metrics) pooledConnections() Gauge {
	if m == nil {
		return nilGauge{}
	}
	return m.pooledConns
}

func (m *Metrics) connectFailed(phase Phase) Counter {
	if m == nil {
		return nilCounter{}
	}
	return m.connectFailures.With(prometheus.Labels{"phase": phase.String()})
}

// callFinished records the outcome of a call: "ok" or the error kind.
func (m *Metrics) callFinished(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.calls.With(prometheus.Labels{"result": result}).Inc()
	m.callSeconds.Observe(elapsed.Seconds())
}

type nilGauge struct{}

func (nilGauge) Inc()        {}
func (nilGauge) Dec()        {}
func (nilGauge) Add(float64) {}
func (nilGauge) Set(float64) {}

type nilCounter struct{}

func (nilCounter) Inc()        {}
func (nilCounter) Add(float64) {}
