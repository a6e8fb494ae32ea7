/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter periodically flattens a Stats snapshot into
// dynamically registered gauges and serves them on /metrics, the way
// ptp/sptp/stats.PrometheusExporter scrapes a JSON stats source into
// gauges, except this one reads Stats directly instead of over HTTP
// since both live in the same process.
type PrometheusExporter struct {
	stats    *Stats
	registry *prometheus.Registry
	interval time.Duration

	mu     sync.Mutex
	gauges map[string]prometheus.Gauge
}

// NewPrometheusExporter returns an exporter that refreshes its gauges
// from stats every interval.
func NewPrometheusExporter(s *Stats, interval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		stats:    s,
		registry: prometheus.NewRegistry(),
		interval: interval,
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Run refreshes gauges from the stats snapshot until stop is closed. Callers
// serve e.registry via Handler() from an HTTP server they own.
func (e *PrometheusExporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.scrape()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.scrape()
		}
	}
}

func (e *PrometheusExporter) scrape() {
	for key, val := range e.stats.Snapshot() {
		e.gaugeFor(key).Set(float64(val))
	}
}

func (e *PrometheusExporter) gaugeFor(key string) prometheus.Gauge {
	name := flattenKey(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.gauges[name]; ok {
		return g
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: key})
	if err := e.registry.Register(g); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			g = are.ExistingCollector.(prometheus.Gauge)
		} else {
			log.Errorf("stats: registering metric %s: %v", name, err)
		}
	}
	e.gauges[name] = g
	return g
}

// Handler returns the http.Handler serving this exporter's registry.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return "flashptpd_" + key
}
