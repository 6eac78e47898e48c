// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package metrics exports prometheus counters and histograms for the
// events worth watching on a live mount: materializations, handle
// splits, dedupe hits, outstanding open handles and commit duration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Materializations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wimfs",
		Name:      "materializations_total",
		Help:      "Number of times a read-only LTE was copied into a writable staging file.",
	})

	HandleSplits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wimfs",
		Name:      "handle_splits_total",
		Help:      "Number of times an open() against a shared LTE allocated a private copy instead of sharing the descriptor.",
	})

	DedupeHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wimfs",
		Name:      "dedupe_hits_total",
		Help:      "Number of staged streams whose hash matched another entry (archived or staged) at commit time.",
	})

	OpenHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wimfs",
		Name:      "open_handles",
		Help:      "Current number of live file handles across all LTEs.",
	})

	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wimfs",
		Name:      "commit_duration_seconds",
		Help:      "Wall-clock time spent committing staged changes back into the archive.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	})
)

// NewRegistry builds the prometheus registry the mount command exposes over
// /metrics. Kept distinct from the global default registry so tests can
// construct a fresh one per run.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(Materializations, HandleSplits, DedupeHits, OpenHandles, CommitDuration)
	return r
}
