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

package scheduling

import (
	"github.com/llm-d/llm-d-request-scheduler/pkg/common"
	prefixcache "github.com/llm-d/llm-d-request-scheduler/pkg/prefix-cache"
)

// SamplingParams holds the generation parameters relevant to scheduling.
type SamplingParams struct {
	// MaxNewTokens is the requested generation budget
	MaxNewTokens int
	// IgnoreEOS makes the request generate until MaxNewTokens regardless of
	// end-of-sequence tokens
	IgnoreEOS bool
}

// Request is one unit of work moving through the scheduler.
type Request struct {
	// RID is the opaque request id
	RID string
	// OriginInputIDs is the prompt token sequence, immutable for the
	// request's lifetime
	OriginInputIDs []int
	// OutputIDs are the tokens generated so far, grows while running
	OutputIDs []int
	// FillIDs is the working sequence OriginInputIDs ++ OutputIDs, recomputed
	// on every admission evaluation; truncated to a prefix when chunking
	FillIDs []int
	// PrefixIndices are the KV positions of the cached prefix matched against
	// FillIDs. Must always stay aligned with LastNode: the two are only ever
	// assigned together.
	PrefixIndices []int64
	// LastNode is the handle of the deepest matched prefix-cache node
	LastNode prefixcache.NodeHandle
	// ExtendInputLen is the number of tokens beyond the matched prefix that
	// still need processing
	ExtendInputLen int

	SamplingParams SamplingParams

	// ReturnLogprob requests log-probabilities for this request
	ReturnLogprob bool
	// LogprobStartLen is the position from which prompt log-probabilities are
	// needed; prefix matching must not consume tokens past it
	LogprobStartLen int
	// NormalizedPromptLogprob is nil until the prompt log-probability has been
	// computed. While nil and ReturnLogprob is set, the request must be
	// prefilled in a single pass.
	NormalizedPromptLogprob *float64
}

// NewRequest creates a request with a generated id for the given prompt.
func NewRequest(inputIDs []int, params SamplingParams) *Request {
	return &Request{
		RID:            common.GenerateUUIDString(),
		OriginInputIDs: inputIDs,
		SamplingParams: params,
	}
}

// AdjustMaxPrefixIDs recomputes FillIDs from the origin input and the output
// generated so far, and returns the longest slice of it that prefix matching
// may consume. At least one token is left uncached when generation is
// requested (the model needs it to produce logits), and matching never
// crosses LogprobStartLen for requests that want prompt log-probabilities.
func (r *Request) AdjustMaxPrefixIDs() []int {
	r.FillIDs = make([]int, 0, len(r.OriginInputIDs)+len(r.OutputIDs))
	r.FillIDs = append(r.FillIDs, r.OriginInputIDs...)
	r.FillIDs = append(r.FillIDs, r.OutputIDs...)

	maxPrefixLen := len(r.FillIDs)
	if r.SamplingParams.MaxNewTokens > 0 {
		maxPrefixLen = min(maxPrefixLen, len(r.FillIDs)-1)
	}
	if r.ReturnLogprob {
		maxPrefixLen = min(maxPrefixLen, r.LogprobStartLen)
	}
	return r.FillIDs[:maxPrefixLen]
}

// RunningBatch is the set of requests currently being decoded. The admission
// core only reads it for aggregate token accounting.
type RunningBatch struct {
	Reqs []*Request
}
