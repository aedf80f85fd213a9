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

// Request scheduler for a batched sequence-generation server:
// orders the waiting queue and admits prefill batches under token budgets,
// coordinating with a shared radix-tree prefix cache
package main

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-request-scheduler/cmd/signals"
	"github.com/llm-d/llm-d-request-scheduler/pkg/scheduler"
)

func main() {
	// setup logger and context with graceful shutdown
	logger := klog.Background()
	ctx := klog.NewContext(context.Background(), logger)
	ctx = signals.SetupSignalHandler(ctx)

	logger.Info("Starting request scheduler")

	sched, err := scheduler.New(logger)
	if err != nil {
		logger.Error(err, "Failed to create request scheduler")
		return
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error(err, "Request scheduler failed")
	}
}
