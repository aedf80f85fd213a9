/*
Copyright 2025 The llm-d-request-scheduler Authors.

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

// Contains functions related to prometheus metrics

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// createAndRegisterPrometheus creates and registers the prometheus metrics
// reported by the scheduler
func (s *Scheduler) createAndRegisterPrometheus() error {
	s.waitingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "",
			Name:      "sched:num_requests_waiting",
			Help:      "Number of requests in the waiting queue.",
		},
	)

	if err := prometheus.Register(s.waitingRequests); err != nil {
		s.logger.Error(err, "Prometheus number of waiting requests gauge register failed")
		return err
	}

	s.runningRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "",
			Name:      "sched:num_requests_running",
			Help:      "Number of requests in the running batch.",
		},
	)

	if err := prometheus.Register(s.runningRequests); err != nil {
		s.logger.Error(err, "Prometheus number of running requests gauge register failed")
		return err
	}

	s.cacheUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "",
			Name:      "sched:prefix_cache_usage_perc",
			Help:      "Fraction of the prefix cache capacity currently holding tokens (from 0 to 1).",
		},
	)

	if err := prometheus.Register(s.cacheUsage); err != nil {
		s.logger.Error(err, "Prometheus cache usage gauge register failed")
		return err
	}

	s.hitTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "",
			Name:      "sched:prefix_hit_tokens_total",
			Help:      "Cached-prefix tokens reused by admitted requests.",
		},
	)

	if err := prometheus.Register(s.hitTokens); err != nil {
		s.logger.Error(err, "Prometheus hit tokens counter register failed")
		return err
	}

	s.inputTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "",
			Name:      "sched:prefill_input_tokens_total",
			Help:      "Uncached input tokens admitted for prefill.",
		},
	)

	if err := prometheus.Register(s.inputTokens); err != nil {
		s.logger.Error(err, "Prometheus input tokens counter register failed")
		return err
	}

	return nil
}

// reportQueues sets the waiting and running request gauges
func (s *Scheduler) reportQueues() {
	if s.waitingRequests == nil {
		// Happens in the tests
		return
	}
	s.waitingRequests.Set(float64(len(s.waitingQueue)))
	s.runningRequests.Set(float64(len(s.runningBatch.Reqs)))
}

// reportAdmission adds this tick's hit and input token counts
func (s *Scheduler) reportAdmission(hitTokens, inputTokens int) {
	if s.hitTokens == nil {
		return
	}
	s.hitTokens.Add(float64(hitTokens))
	s.inputTokens.Add(float64(inputTokens))
}

// reportCacheUsage sets the fraction of the cache capacity in use
func (s *Scheduler) reportCacheUsage() {
	if s.cacheUsage == nil {
		return
	}
	s.cacheUsage.Set(float64(s.tree.TotalSize()) / float64(s.config.KVCacheSize))
}
