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
	prefixcache "github.com/llm-d/llm-d-request-scheduler/pkg/prefix-cache"
)

// PrefillAdmitter greedily selects requests for the next prefill batch under
// three token budgets: the global KV-memory budget, the per-tick
// input-processing budget, and an optional chunk-size budget. One admitter
// serves exactly one admission pass, its counters are discarded afterwards.
//
// Expected outcomes (budget exhaustion, a zero chunk budget) are signaled
// through boolean or nil returns, never through errors: the caller simply
// stops offering candidates.
type PrefillAdmitter struct {
	tree *prefixcache.RadixTree

	remTotalTokens int
	remInputTokens int
	remChunkTokens int
	chunking       bool

	clipMaxNewTokens int

	canRunList     []*Request
	newInflightReq *Request
	logHitTokens   int
	logInputTokens int
}

// NewPrefillAdmitter creates an admitter for one admission pass.
// chunkTokens < 0 disables chunking (unlimited chunk size).
// mixedWithDecodeTokens are tokens already reserved for decode work mixed into
// the same step; they are subtracted from every configured budget up front.
// clipMaxNewTokens bounds the generation-length estimate used in budget
// arithmetic (it never changes a request's actual stopping condition).
func NewPrefillAdmitter(tree *prefixcache.RadixTree, totalTokens, inputTokens, chunkTokens,
	mixedWithDecodeTokens, clipMaxNewTokens int) *PrefillAdmitter {
	a := &PrefillAdmitter{
		tree:             tree,
		remTotalTokens:   totalTokens - mixedWithDecodeTokens,
		remInputTokens:   inputTokens - mixedWithDecodeTokens,
		chunking:         chunkTokens >= 0,
		clipMaxNewTokens: clipMaxNewTokens,
	}
	if a.chunking {
		a.remChunkTokens = chunkTokens - mixedWithDecodeTokens
	}
	return a
}

// NoRemainingTokens reports whether any budget is exhausted. An exhausted
// admitter must not be offered further candidates.
func (a *PrefillAdmitter) NoRemainingTokens() bool {
	return a.remTotalTokens <= 0 ||
		a.remInputTokens <= 0 ||
		(a.chunking && a.remChunkTokens <= 0)
}

// RemoveRunningTokens reserves, against the total budget, the estimated
// remaining generation of every running request. newTokenRatio is a
// caller-supplied scaling factor (e.g. to account for speculative
// overcommit).
func (a *PrefillAdmitter) RemoveRunningTokens(running *RunningBatch, newTokenRatio float64) {
	reserved := 0
	for _, r := range running.Reqs {
		remaining := min(r.SamplingParams.MaxNewTokens-len(r.OutputIDs), a.clipMaxNewTokens)
		reserved += int(float64(remaining) * newTokenRatio)
	}
	a.remTotalTokens -= reserved
}

func (a *PrefillAdmitter) prefillOneReq(prefixLen, extendInputLen, maxNewTokens int) {
	a.remTotalTokens -= extendInputLen + maxNewTokens
	a.remInputTokens -= extendInputLen
	if a.chunking {
		a.remChunkTokens -= extendInputLen
	}

	a.logHitTokens += prefixLen
	a.logInputTokens += extendInputLen
}

// AddInflightReq admits the chunked prefill carried over from the previous
// tick. Inflight requests were already committed and are never rejected; this
// only decides how large the next chunk is. Returns the request itself if the
// chunk is still truncated (the caller must keep tracking it as inflight), or
// nil if this chunk completes the prefill.
func (a *PrefillAdmitter) AddInflightReq(req *Request) *Request {
	if !a.chunking {
		panic("admitter: inflight request without a configured chunk budget")
	}

	truncated := req.ExtendInputLen > a.remChunkTokens
	req.ExtendInputLen = min(req.ExtendInputLen, a.remChunkTokens)
	req.FillIDs = req.FillIDs[:len(req.PrefixIndices)+req.ExtendInputLen]
	a.canRunList = append(a.canRunList, req)

	// generation is only reserved once the prefill stops being truncated
	genTokens := 0
	if !truncated {
		genTokens = min(req.SamplingParams.MaxNewTokens, a.clipMaxNewTokens)
	}
	a.prefillOneReq(len(req.PrefixIndices), req.ExtendInputLen, genTokens)

	if truncated {
		return req
	}
	return nil
}

// AddOneReq offers a single candidate for admission and reports whether it was
// admitted (fully or as a chunk). The advisory prefix match from ordering may
// be stale, so the request is re-matched while locking the matched path
// against eviction; the temporary lock is released on every exit path, and an
// admitted request keeps one permanent lock until the batch-execution engine
// releases it.
func (a *PrefillAdmitter) AddOneReq(req *Request) bool {
	// match prefix again and lock the path to prevent racing with eviction
	prefixKey := req.AdjustMaxPrefixIDs()
	var delta int
	req.PrefixIndices, req.LastNode, delta = a.tree.MatchPrefixLock(prefixKey)
	req.ExtendInputLen = len(req.FillIDs) - len(req.PrefixIndices)
	a.remTotalTokens += delta

	defer func() {
		a.remTotalTokens += a.tree.DecLockRef(req.LastNode)
	}()

	totalTokens := req.ExtendInputLen + min(req.SamplingParams.MaxNewTokens, a.clipMaxNewTokens)
	inputTokens := req.ExtendInputLen
	prefixLen := len(req.PrefixIndices)

	if totalTokens >= a.remTotalTokens {
		return false
	}

	// the first candidate of a pass may exceed the input budget alone,
	// otherwise an oversized request could starve forever
	if inputTokens > a.remInputTokens && len(a.canRunList) != 0 {
		return false
	}

	if !a.chunking || inputTokens <= a.remChunkTokens ||
		(req.ReturnLogprob && req.NormalizedPromptLogprob == nil) {
		// Non-chunked prefill. Prompt log-probabilities require the whole
		// prefill in one pass, so a pending logprob forces this branch.
		a.canRunList = append(a.canRunList, req)
		// the permanent lock; the path is already lock-held, so this inc
		// frees no tokens
		a.tree.IncLockRef(req.LastNode)
		a.prefillOneReq(prefixLen, inputTokens,
			min(req.SamplingParams.MaxNewTokens, a.clipMaxNewTokens))
	} else {
		// Chunked prefill
		truncLen := a.remChunkTokens
		if truncLen == 0 {
			return false
		}

		req.ExtendInputLen = truncLen
		req.FillIDs = req.FillIDs[:len(req.PrefixIndices)+truncLen]
		a.canRunList = append(a.canRunList, req)
		a.newInflightReq = req
		a.tree.IncLockRef(req.LastNode)
		a.prefillOneReq(prefixLen, truncLen, 0)
	}

	return true
}

// CanRunList returns the requests admitted so far, in admission order.
func (a *PrefillAdmitter) CanRunList() []*Request {
	return a.canRunList
}

// InflightReq returns the single request left partially admitted by chunking,
// or nil.
func (a *PrefillAdmitter) InflightReq() *Request {
	return a.newInflightReq
}

// HitTokens returns the number of cached-prefix tokens reused by admitted
// requests (observability).
func (a *PrefillAdmitter) HitTokens() int {
	return a.logHitTokens
}

// InputTokens returns the number of uncached input tokens admitted
// (observability).
func (a *PrefillAdmitter) InputTokens() int {
	return a.logInputTokens
}

// RemTotalTokens returns the remaining global token budget.
func (a *PrefillAdmitter) RemTotalTokens() int {
	return a.remTotalTokens
}

// RemInputTokens returns the remaining input-processing budget.
func (a *PrefillAdmitter) RemInputTokens() int {
	return a.remInputTokens
}

// RemChunkTokens returns the remaining chunk budget; meaningful only when
// chunking is configured.
func (a *PrefillAdmitter) RemChunkTokens() int {
	return a.remChunkTokens
}
