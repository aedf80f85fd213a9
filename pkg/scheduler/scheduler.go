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

// Package scheduler runs the per-tick scheduling loop: it orders the waiting
// queue by the configured policy, admits requests into the next prefill batch
// under the configured token budgets, and reports the outcome through
// Prometheus metrics and optional ZMQ events.
package scheduler

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-request-scheduler/pkg/common"
	prefixcache "github.com/llm-d/llm-d-request-scheduler/pkg/prefix-cache"
	"github.com/llm-d/llm-d-request-scheduler/pkg/scheduling"
)

const eventChanSize = 10000

// Scheduler owns the waiting queue and the running batch, and runs one
// admission pass per tick.
type Scheduler struct {
	// logger is used for information and errors logging
	logger logr.Logger
	// config is the scheduler's configuration
	config *common.Configuration
	// tree is the shared prefix cache
	tree *prefixcache.RadixTree

	// mu guards the queue, the running batch and the inflight request.
	// Scheduling itself is single-threaded; the lock serializes AddRequest
	// and FinishRequest callers against the tick.
	mu sync.Mutex
	// waitingQueue holds requests not yet admitted
	waitingQueue []*scheduling.Request
	// runningBatch holds admitted requests until FinishRequest
	runningBatch *scheduling.RunningBatch
	// inflightReq is the single chunked prefill carried across ticks
	inflightReq *scheduling.Request

	// nextKVSlot hands out KV positions for newly cached tokens
	nextKVSlot int64

	// waitingRequests is prometheus gauge for the number of queued requests
	waitingRequests prometheus.Gauge
	// runningRequests is prometheus gauge for the number of requests in the running batch
	runningRequests prometheus.Gauge
	// cacheUsage is prometheus gauge for the fraction of the KV budget cached
	cacheUsage prometheus.Gauge
	// hitTokens is prometheus counter for cached-prefix tokens reused by admitted requests
	hitTokens prometheus.Counter
	// inputTokens is prometheus counter for uncached input tokens admitted
	inputTokens prometheus.Counter

	// channel for scheduling events to be published over ZMQ
	eventChan chan EventData
	// eventSender publishes scheduling events, nil when ZMQ is not configured
	eventSender *EventSender
}

// New creates a new Scheduler instance with the given logger.
func New(logger logr.Logger) (*Scheduler, error) {
	return &Scheduler{
		logger:       logger,
		runningBatch: &scheduling.RunningBatch{},
		eventChan:    make(chan EventData, eventChanSize),
	}, nil
}

// Start starts the scheduler: it parses the configuration, runs the tick loop
// and the event sender, and serves the observability endpoints until the
// context is canceled or the server fails.
func (s *Scheduler) Start(ctx context.Context) error {
	// parse command line parameters
	config, err := common.ParseCommandParamsAndLoadConfig()
	if err != nil {
		return err
	}
	s.config = config

	common.InitRandom(config.Seed)

	s.tree = prefixcache.NewRadixTree(config.DisableRadixCache, s.logger)

	// initialize prometheus metrics
	if err := s.createAndRegisterPrometheus(); err != nil {
		return err
	}

	if config.ZMQEndpoint != "" {
		publisher, err := common.NewPublisher(config.ZMQEndpoint, config.ZMQMaxConnectAttempts)
		if err != nil {
			return err
		}
		s.eventSender = NewEventSender(publisher, createTopic(config), s.eventChan,
			config.EventBatchSize, time.Second, s.logger)
		go func() {
			if err := s.eventSender.Run(ctx); err != nil {
				s.logger.Info("event sender stopped with error", "error", err)
			}
		}()
	}

	go s.run(ctx)

	listener, err := s.newListener()
	if err != nil {
		return err
	}

	// start the http server with the observability endpoints
	return s.startServer(listener)
}

func (s *Scheduler) newListener() (net.Listener, error) {
	s.logger.Info("Server starting", "port", s.config.Port)
	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return nil, err
	}
	return listener, nil
}

// run executes scheduling ticks until the context is canceled. A tick can only
// fail on a configuration error, which is fatal.
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.config.ScheduleInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduling loop stopped")
			return
		case <-ticker.C:
			if _, err := s.Step(); err != nil {
				s.logger.Error(err, "scheduling tick failed")
				return
			}
		}
	}
}

// AddRequest enqueues a request into the waiting queue.
func (s *Scheduler) AddRequest(req *scheduling.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waitingQueue = append(s.waitingQueue, req)
	s.reportQueues()
}

// Step runs one scheduling tick: order the waiting queue, then admit requests
// left to right until a budget is exhausted or a candidate is rejected.
// Returns the list of requests admitted this tick (ownership of everything
// except a still-inflight chunk passes to the batch-execution engine).
func (s *Scheduler) Step() ([]*scheduling.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderer := scheduling.NewOrderer(s.config.SchedulePolicy, s.tree)
	queue, err := orderer.CalcPriority(s.waitingQueue)
	if err != nil {
		return nil, err
	}
	s.waitingQueue = queue

	if s.inflightReq != nil {
		s.prepareInflight(s.inflightReq)
	}

	adder := scheduling.NewPrefillAdmitter(s.tree, s.availableTotalTokens(),
		s.config.MaxPrefillTokens, s.config.ChunkedPrefillSize, 0, s.config.ClipMaxNewTokens)

	if len(s.runningBatch.Reqs) > 0 {
		adder.RemoveRunningTokens(s.runningBatch, s.config.NewTokenRatio)
	}

	if s.inflightReq != nil {
		s.inflightReq = adder.AddInflightReq(s.inflightReq)
	}

	admittedFromQueue := 0
	for _, req := range s.waitingQueue {
		if adder.NoRemainingTokens() {
			break
		}
		if !adder.AddOneReq(req) {
			break
		}
		admittedFromQueue++
	}
	s.waitingQueue = s.waitingQueue[admittedFromQueue:]

	canRun := adder.CanRunList()
	// either a newly chunked candidate from the queue or the carried chunk
	// that is still truncated; never both, a truncated carry exhausts the
	// chunk budget before the queue scan starts
	inflight := adder.InflightReq()
	if inflight == nil {
		inflight = s.inflightReq
	}
	for _, req := range canRun {
		if req != inflight {
			s.runningBatch.Reqs = append(s.runningBatch.Reqs, req)
		}
	}
	s.inflightReq = inflight

	if len(canRun) > 0 {
		s.logger.V(4).Info("admitted prefill batch", "requests", len(canRun),
			"hit tokens", adder.HitTokens(), "input tokens", adder.InputTokens())
		s.reportAdmission(adder.HitTokens(), adder.InputTokens())
		s.emitBatchAdmitted(canRun, adder.HitTokens(), adder.InputTokens())
	}
	s.reportQueues()
	s.reportCacheUsage()

	return canRun, nil
}

// FinishRequest is called by the batch-execution engine when a request leaves
// the running batch. The computed tokens are stored in the prefix cache, the
// permanent admission lock is released, and the cache is trimmed back to its
// capacity.
func (s *Scheduler) FinishRequest(req *scheduling.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]int64, len(req.FillIDs))
	for i := range positions {
		positions[i] = s.nextKVSlot
		s.nextKVSlot++
	}
	s.tree.Insert(req.FillIDs, positions)
	s.tree.DecLockRef(req.LastNode)

	for i, r := range s.runningBatch.Reqs {
		if r == req {
			s.runningBatch.Reqs = append(s.runningBatch.Reqs[:i], s.runningBatch.Reqs[i+1:]...)
			break
		}
	}

	if over := s.tree.TotalSize() - s.config.KVCacheSize; over > 0 {
		s.tree.Evict(over, func([]int64) {})
	}

	s.emitRequestFinished(req)
	s.reportQueues()
	s.reportCacheUsage()
}

// prepareInflight caches the chunk processed in the previous tick and
// re-derives the request's working state for the next one: the processed
// tokens join the cached prefix, the admission lock moves to the deeper node
// covering them, and the remainder becomes the new extend input.
func (s *Scheduler) prepareInflight(req *scheduling.Request) {
	processed := req.FillIDs // matched prefix plus all previously admitted chunks

	positions := make([]int64, len(processed))
	copy(positions, req.PrefixIndices)
	for i := len(req.PrefixIndices); i < len(processed); i++ {
		positions[i] = s.nextKVSlot
		s.nextKVSlot++
	}
	s.tree.Insert(processed, positions)

	prevNode := req.LastNode
	req.PrefixIndices, req.LastNode, _ = s.tree.MatchPrefixLock(processed)
	s.tree.DecLockRef(prevNode)

	req.FillIDs = make([]int, 0, len(req.OriginInputIDs)+len(req.OutputIDs))
	req.FillIDs = append(req.FillIDs, req.OriginInputIDs...)
	req.FillIDs = append(req.FillIDs, req.OutputIDs...)
	req.ExtendInputLen = len(req.FillIDs) - len(req.PrefixIndices)
}

// availableTotalTokens is the global budget for one admission pass: the
// uncached part of the KV capacity plus everything reclaimable by eviction.
func (s *Scheduler) availableTotalTokens() int {
	lockedTokens := s.tree.TotalSize() - s.tree.EvictableSize()
	return s.config.MaxTotalTokens - lockedTokens
}

// WaitingQueueSize returns the number of queued requests (for testing).
func (s *Scheduler) WaitingQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waitingQueue)
}

// RunningBatchSize returns the number of running requests (for testing).
func (s *Scheduler) RunningBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runningBatch.Reqs)
}

func createTopic(config *common.Configuration) string {
	return fmt.Sprintf("sched@localhost:%d", config.Port)
}
