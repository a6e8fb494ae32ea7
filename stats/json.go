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
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// JSONServer exposes a Stats snapshot over HTTP as a flat JSON object.
type JSONServer struct {
	stats *Stats
}

// NewJSONServer wraps stats for HTTP reporting.
func NewJSONServer(s *Stats) *JSONServer { return &JSONServer{stats: s} }

// Start runs the JSON stats HTTP server on the given address, standalone.
// Blocks until the listener fails.
func (j *JSONServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", j.handleRequest)
	log.Infof("stats: starting json server on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// ServeHTTP lets JSONServer be mounted directly into a caller-owned mux,
// alongside other endpoints (e.g. the Prometheus exporter's /metrics).
func (j *JSONServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { j.handleRequest(w, r) }

func (j *JSONServer) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(j.stats.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("stats: replying to json request: %v", err)
	}
}
