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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-request-scheduler/pkg/common"
	"github.com/llm-d/llm-d-request-scheduler/pkg/scheduling"
)

type EventAction int

const (
	eventActionBatchAdmitted EventAction = iota
	eventActionRequestFinished
)

const (
	BatchAdmitted   = "BatchAdmitted"
	RequestFinished = "RequestFinished"
)

// EventData describes one scheduling event before encoding.
type EventData struct {
	action      EventAction
	requestIDs  []string
	hitTokens   int
	inputTokens int
}

// EventBatch is the wire envelope for a group of encoded events.
type EventBatch struct {
	TS     float64
	Events []msgpack.RawMessage
}

// EventSender batches scheduling events and publishes them over ZMQ, either
// when the batch is full or when the flush delay expires.
type EventSender struct {
	publisher    *common.Publisher
	topic        string
	eventChan    chan EventData
	maxBatchSize int
	delay        time.Duration
	batch        []msgpack.RawMessage
	logger       logr.Logger
}

func NewEventSender(publisher *common.Publisher, topic string, ch chan EventData, maxBatchSize int,
	delay time.Duration, logger logr.Logger) *EventSender {
	return &EventSender{
		publisher:    publisher,
		topic:        topic,
		eventChan:    ch,
		maxBatchSize: maxBatchSize,
		delay:        delay,
		batch:        make([]msgpack.RawMessage, 0, maxBatchSize),
		logger:       logger,
	}
}

func (s *EventSender) Run(ctx context.Context) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Exiting, discard remaining events if any
			if len(s.batch) > 0 {
				s.logger.Info("Exiting, discard remaining events", "num of events", len(s.batch))
			}
			return ctx.Err()

		case eventData, ok := <-s.eventChan:
			if !ok {
				// Channel closed, discard remaining events and exit
				if len(s.batch) > 0 {
					s.logger.Info("Channel closed, discard remaining events", "num of events", len(s.batch))
				}
				return nil
			}

			// Encode the event to msgpack.RawMessage as a tagged union
			var payload []byte
			var err error

			switch eventData.action {
			case eventActionBatchAdmitted:
				payload, err = msgpack.Marshal([]any{
					BatchAdmitted, eventData.requestIDs, eventData.hitTokens, eventData.inputTokens,
				})
			case eventActionRequestFinished:
				payload, err = msgpack.Marshal([]any{RequestFinished, eventData.requestIDs})
			default:
				return fmt.Errorf("invalid event action %d", eventData.action)
			}
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}

			s.batch = append(s.batch, payload)

			// check if batch is big enough to be sent
			if len(s.batch) >= s.maxBatchSize {
				if err := s.publishHelper(ctx); err != nil {
					return err
				}

				// reset timer
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.delay)
			}

		case <-timer.C:
			if err := s.publishHelper(ctx); err != nil {
				return err
			}
			timer.Reset(s.delay)
		}
	}
}

// helper to publish collected batch if not empty
func (s *EventSender) publishHelper(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}

	eventBatch := EventBatch{
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Events: s.batch,
	}

	err := s.publisher.PublishEvent(ctx, s.topic, eventBatch)

	// reset batch
	s.batch = make([]msgpack.RawMessage, 0, s.maxBatchSize)

	return err
}

// emitBatchAdmitted queues a batch-admitted event; drops it when no sender is
// configured or the channel is full.
func (s *Scheduler) emitBatchAdmitted(reqs []*scheduling.Request, hitTokens, inputTokens int) {
	if s.eventSender == nil {
		return
	}
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.RID
	}
	select {
	case s.eventChan <- EventData{action: eventActionBatchAdmitted, requestIDs: ids,
		hitTokens: hitTokens, inputTokens: inputTokens}:
	default:
		s.logger.Info("event channel full, dropping batch-admitted event")
	}
}

// emitRequestFinished queues a request-finished event; drops it when no sender
// is configured or the channel is full.
func (s *Scheduler) emitRequestFinished(req *scheduling.Request) {
	if s.eventSender == nil {
		return
	}
	select {
	case s.eventChan <- EventData{action: eventActionRequestFinished, requestIDs: []string{req.RID}}:
	default:
		s.logger.Info("event channel full, dropping request-finished event")
	}
}
