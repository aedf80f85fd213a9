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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/klog/v2"

	prefixcache "github.com/llm-d/llm-d-request-scheduler/pkg/prefix-cache"
)

const clipMaxNewTokens = 4096

// tokens returns n consecutive token ids starting at start
func tokens(start, n int) []int {
	t := make([]int, n)
	for i := range t {
		t[i] = start + i
	}
	return t
}

var _ = Describe("Prefill admitter", func() {
	var tree *prefixcache.RadixTree

	BeforeEach(func() {
		tree = prefixcache.NewRadixTree(false, klog.Background())
	})

	Context("without chunking", func() {
		It("should admit a request and debit the budgets", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, -1, 0, clipMaxNewTokens)
			req := NewRequest(tokens(0, 100), SamplingParams{MaxNewTokens: 50})

			Expect(adder.AddOneReq(req)).To(BeTrue())
			Expect(adder.CanRunList()).To(Equal([]*Request{req}))
			Expect(adder.InflightReq()).To(BeNil())

			// 100 input tokens plus 50 planned generation tokens
			Expect(adder.RemTotalTokens()).To(Equal(850))
			Expect(adder.RemInputTokens()).To(Equal(900))
			Expect(adder.HitTokens()).To(Equal(0))
			Expect(adder.InputTokens()).To(Equal(100))
			Expect(req.ExtendInputLen).To(Equal(100))
			Expect(adder.NoRemainingTokens()).To(BeFalse())
		})

		It("should reject a request that does not fit the total budget", func() {
			adder := NewPrefillAdmitter(tree, 150, 1000, -1, 0, clipMaxNewTokens)
			req := NewRequest(tokens(0, 100), SamplingParams{MaxNewTokens: 50})

			Expect(adder.AddOneReq(req)).To(BeFalse())
			Expect(adder.CanRunList()).To(BeEmpty())
			Expect(adder.RemTotalTokens()).To(Equal(150))
		})

		It("should exempt only the first candidate from the input budget", func() {
			adder := NewPrefillAdmitter(tree, 10000, 10, -1, 0, clipMaxNewTokens)
			first := NewRequest(tokens(0, 100), SamplingParams{MaxNewTokens: 50})
			second := NewRequest(tokens(200, 100), SamplingParams{MaxNewTokens: 50})

			// an oversized first candidate must not starve forever
			Expect(adder.AddOneReq(first)).To(BeTrue())
			Expect(adder.AddOneReq(second)).To(BeFalse())
			Expect(adder.CanRunList()).To(Equal([]*Request{first}))
		})

		It("should account cached prefixes and keep the admission lock", func() {
			tree.Insert(tokens(0, 50), kvPositions(0, 50))

			adder := NewPrefillAdmitter(tree, 1000, 1000, -1, 0, clipMaxNewTokens)
			req := NewRequest(append(tokens(0, 50), tokens(100, 50)...),
				SamplingParams{MaxNewTokens: 10})

			Expect(adder.AddOneReq(req)).To(BeTrue())
			Expect(req.PrefixIndices).To(HaveLen(50))
			Expect(req.ExtendInputLen).To(Equal(50))
			Expect(adder.HitTokens()).To(Equal(50))
			Expect(adder.InputTokens()).To(Equal(50))

			// the locked prefix and the new work are both charged
			Expect(adder.RemTotalTokens()).To(Equal(890))

			// the admitted request holds its path until the request finishes
			Expect(tree.LockRef(req.LastNode)).To(Equal(1))
			Expect(tree.EvictableSize()).To(Equal(0))
		})

		It("should release the matched path when the candidate is rejected", func() {
			tree.Insert(tokens(0, 50), kvPositions(0, 50))

			adder := NewPrefillAdmitter(tree, 100, 1000, -1, 0, clipMaxNewTokens)
			req := NewRequest(append(tokens(0, 50), tokens(100, 60)...),
				SamplingParams{MaxNewTokens: 50})

			Expect(adder.AddOneReq(req)).To(BeFalse())
			Expect(adder.RemTotalTokens()).To(Equal(100))
			Expect(tree.LockRef(req.LastNode)).To(Equal(0))
			Expect(tree.EvictableSize()).To(Equal(tree.TotalSize()))
		})
	})

	Context("with chunking", func() {
		It("should truncate a request larger than the chunk budget", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, 60, 0, clipMaxNewTokens)
			req := NewRequest(tokens(0, 100), SamplingParams{MaxNewTokens: 50})

			Expect(adder.AddOneReq(req)).To(BeTrue())
			Expect(adder.InflightReq()).To(Equal(req))
			Expect(req.ExtendInputLen).To(Equal(60))
			Expect(req.FillIDs).To(HaveLen(60))

			// a truncated prefill reserves no generation tokens yet
			Expect(adder.RemTotalTokens()).To(Equal(940))
			Expect(adder.RemInputTokens()).To(Equal(940))
			Expect(adder.RemChunkTokens()).To(Equal(0))
			Expect(adder.NoRemainingTokens()).To(BeTrue())
		})

		It("should reject and unlock when the chunk budget is exhausted", func() {
			tree.Insert(tokens(500, 20), kvPositions(0, 20))

			adder := NewPrefillAdmitter(tree, 1000, 1000, 50, 0, clipMaxNewTokens)
			first := NewRequest(tokens(0, 50), SamplingParams{MaxNewTokens: 10})
			second := NewRequest(append(tokens(500, 20), tokens(600, 30)...),
				SamplingParams{MaxNewTokens: 10})

			// the first request fits the chunk budget exactly
			Expect(adder.AddOneReq(first)).To(BeTrue())
			Expect(adder.InflightReq()).To(BeNil())
			Expect(adder.RemChunkTokens()).To(Equal(0))

			Expect(adder.AddOneReq(second)).To(BeFalse())
			Expect(adder.RemTotalTokens()).To(Equal(940))
			Expect(tree.LockRef(second.LastNode)).To(Equal(0))
			Expect(tree.EvictableSize()).To(Equal(tree.TotalSize()))
		})

		It("should never chunk a request with a pending prompt logprob", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, 10, 0, clipMaxNewTokens)
			req := NewRequest(tokens(0, 100), SamplingParams{MaxNewTokens: 10})
			req.ReturnLogprob = true

			Expect(adder.AddOneReq(req)).To(BeTrue())
			Expect(adder.InflightReq()).To(BeNil())
			Expect(req.ExtendInputLen).To(Equal(100))
			Expect(req.FillIDs).To(HaveLen(100))
			Expect(adder.NoRemainingTokens()).To(BeTrue())
		})

		It("should chunk a logprob request whose prompt logprob is already known", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, 10, 0, clipMaxNewTokens)
			req := NewRequest(tokens(0, 100), SamplingParams{MaxNewTokens: 10})
			req.ReturnLogprob = true
			logprob := -0.5
			req.NormalizedPromptLogprob = &logprob

			Expect(adder.AddOneReq(req)).To(BeTrue())
			Expect(adder.InflightReq()).To(Equal(req))
			Expect(req.ExtendInputLen).To(Equal(10))
		})
	})

	Context("inflight requests", func() {
		// newInflightRequest builds a request whose first prefillLen tokens
		// were already processed in previous ticks
		newInflightRequest := func(inputLen, prefillLen, maxNewTokens int) *Request {
			req := NewRequest(tokens(0, inputLen), SamplingParams{MaxNewTokens: maxNewTokens})
			req.FillIDs = tokens(0, inputLen)
			req.PrefixIndices = kvPositions(0, prefillLen)
			req.ExtendInputLen = inputLen - prefillLen
			return req
		}

		It("should complete a prefill that fits the chunk budget", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, 60, 0, clipMaxNewTokens)
			req := newInflightRequest(100, 60, 50)

			Expect(adder.AddInflightReq(req)).To(BeNil())
			Expect(adder.CanRunList()).To(Equal([]*Request{req}))
			Expect(req.ExtendInputLen).To(Equal(40))
			Expect(req.FillIDs).To(HaveLen(100))

			// the finishing chunk reserves the generation tokens
			Expect(adder.RemTotalTokens()).To(Equal(910))
			Expect(adder.RemInputTokens()).To(Equal(960))
			Expect(adder.RemChunkTokens()).To(Equal(20))
			Expect(adder.HitTokens()).To(Equal(60))
			Expect(adder.InputTokens()).To(Equal(40))
		})

		It("should truncate again when the remainder exceeds the chunk budget", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, 25, 0, clipMaxNewTokens)
			req := newInflightRequest(100, 60, 50)

			Expect(adder.AddInflightReq(req)).To(Equal(req))
			Expect(req.ExtendInputLen).To(Equal(25))
			Expect(req.FillIDs).To(HaveLen(85))

			// still truncated, still no generation reservation
			Expect(adder.RemTotalTokens()).To(Equal(975))
			Expect(adder.RemChunkTokens()).To(Equal(0))
		})

		It("should panic when chunking is not configured", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, -1, 0, clipMaxNewTokens)
			req := newInflightRequest(100, 60, 50)

			Expect(func() {
				adder.AddInflightReq(req)
			}).To(Panic())
		})
	})

	Context("running batch reservations", func() {
		It("should reserve the scaled remaining generation of running requests", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, -1, 0, clipMaxNewTokens)
			req := NewRequest(tokens(0, 10), SamplingParams{MaxNewTokens: 100})
			req.OutputIDs = make([]int, 30)

			adder.RemoveRunningTokens(&RunningBatch{Reqs: []*Request{req}}, 0.5)
			Expect(adder.RemTotalTokens()).To(Equal(965))
		})

		It("should clip very large generation estimates", func() {
			adder := NewPrefillAdmitter(tree, 1000, 1000, -1, 0, 40)
			req := NewRequest(tokens(0, 10), SamplingParams{MaxNewTokens: 100})
			req.OutputIDs = make([]int, 30)

			adder.RemoveRunningTokens(&RunningBatch{Reqs: []*Request{req}}, 0.5)
			Expect(adder.RemTotalTokens()).To(Equal(980))
		})
	})

	Context("budget construction", func() {
		It("should subtract decode tokens from every budget", func() {
			adder := NewPrefillAdmitter(tree, 1000, 500, 200, 100, clipMaxNewTokens)
			Expect(adder.RemTotalTokens()).To(Equal(900))
			Expect(adder.RemInputTokens()).To(Equal(400))
			Expect(adder.RemChunkTokens()).To(Equal(100))
			Expect(adder.NoRemainingTokens()).To(BeFalse())
		})

		It("should report exhaustion when decode tokens consume the chunk budget", func() {
			adder := NewPrefillAdmitter(tree, 1000, 500, 100, 100, clipMaxNewTokens)
			Expect(adder.NoRemainingTokens()).To(BeTrue())
		})
	})
})
