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

	"github.com/llm-d/llm-d-request-scheduler/pkg/common"
	prefixcache "github.com/llm-d/llm-d-request-scheduler/pkg/prefix-cache"
)

// kvPositions returns n consecutive KV slot indices starting at start
func kvPositions(start int64, n int) []int64 {
	p := make([]int64, n)
	for i := range p {
		p[i] = start + int64(i)
	}
	return p
}

func newTestRequest(inputIDs []int, maxNewTokens int) *Request {
	return NewRequest(inputIDs, SamplingParams{MaxNewTokens: maxNewTokens})
}

var _ = Describe("Orderer", func() {
	var tree *prefixcache.RadixTree

	BeforeEach(func() {
		tree = prefixcache.NewRadixTree(false, klog.Background())
	})

	It("should fail for an unknown policy", func() {
		orderer := NewOrderer("hello", tree)
		_, err := orderer.CalcPriority([]*Request{})
		Expect(err).To(HaveOccurred())
	})

	Context("fcfs", func() {
		It("should keep the arrival order", func() {
			r1 := newTestRequest([]int{1, 2, 3}, 10)
			r2 := newTestRequest([]int{4, 5, 6}, 10)
			r3 := newTestRequest([]int{7, 8, 9}, 10)

			queue, err := NewOrderer(common.PolicyFCFS, tree).CalcPriority([]*Request{r1, r2, r3})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(Equal([]*Request{r1, r2, r3}))
		})
	})

	Context("lof", func() {
		It("should order by requested generation length, longest first", func() {
			r1 := newTestRequest([]int{1}, 10)
			r2 := newTestRequest([]int{2}, 100)
			r3 := newTestRequest([]int{3}, 50)

			queue, err := NewOrderer(common.PolicyLOF, tree).CalcPriority([]*Request{r1, r2, r3})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(Equal([]*Request{r2, r3, r1}))
		})

		It("should keep the arrival order between equal generation lengths", func() {
			r1 := newTestRequest([]int{1}, 50)
			r2 := newTestRequest([]int{2}, 50)
			r3 := newTestRequest([]int{3}, 100)

			queue, err := NewOrderer(common.PolicyLOF, tree).CalcPriority([]*Request{r1, r2, r3})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(Equal([]*Request{r3, r1, r2}))
		})
	})

	Context("random", func() {
		It("should produce a permutation of the queue", func() {
			common.InitRandom(42)
			reqs := make([]*Request, 10)
			input := make([]*Request, 10)
			for i := range reqs {
				reqs[i] = newTestRequest([]int{i}, 10)
				input[i] = reqs[i]
			}

			queue, err := NewOrderer(common.PolicyRandom, tree).CalcPriority(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(HaveLen(10))
			Expect(queue).To(ConsistOf(reqs))
		})
	})

	Context("lpm", func() {
		It("should order by cached prefix length, longest first", func() {
			tree.Insert([]int{1, 2, 3, 4, 5, 6}, kvPositions(0, 6))

			rNone := newTestRequest([]int{9, 9, 9}, 10)
			rLong := newTestRequest([]int{1, 2, 3, 4, 5, 6, 7}, 10)
			rShort := newTestRequest([]int{1, 2, 9}, 10)

			queue, err := NewOrderer(common.PolicyLPM, tree).CalcPriority([]*Request{rNone, rLong, rShort})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(Equal([]*Request{rLong, rShort, rNone}))

			// matches are recorded on the requests for the admission pass
			Expect(rLong.PrefixIndices).To(HaveLen(6))
			Expect(rShort.PrefixIndices).To(HaveLen(2))
			Expect(rNone.PrefixIndices).To(BeEmpty())
			Expect(rNone.LastNode).To(Equal(tree.RootNode()))
		})

		It("should keep the arrival order between equal prefix lengths", func() {
			r1 := newTestRequest([]int{1, 2, 3}, 10)
			r2 := newTestRequest([]int{4, 5, 6}, 10)

			queue, err := NewOrderer(common.PolicyLPM, tree).CalcPriority([]*Request{r1, r2})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(Equal([]*Request{r1, r2}))
		})

		It("should not lock matched paths", func() {
			tree.Insert([]int{1, 2, 3, 4}, kvPositions(0, 4))
			r := newTestRequest([]int{1, 2, 3, 4, 5}, 10)

			_, err := NewOrderer(common.PolicyLPM, tree).CalcPriority([]*Request{r})
			Expect(err).NotTo(HaveOccurred())
			Expect(tree.EvictableSize()).To(Equal(tree.TotalSize()))
		})
	})

	Context("dfs-weight", func() {
		It("should cluster requests sharing heavier subtrees first", func() {
			tree.Insert([]int{1, 2, 3, 4, 5, 6}, kvPositions(0, 6))
			tree.Insert([]int{1, 2, 3, 7, 8, 9}, kvPositions(6, 6))

			rA := newTestRequest([]int{1, 2, 3, 4, 5, 6, 11}, 10)
			rB1 := newTestRequest([]int{1, 2, 3, 7, 8, 9, 12}, 10)
			rB2 := newTestRequest([]int{1, 2, 3, 7, 8, 9, 13}, 10)
			rRoot := newTestRequest([]int{42, 43}, 10)

			queue, err := NewOrderer(common.PolicyDFSWeight, tree).
				CalcPriority([]*Request{rA, rB1, rB2, rRoot})
			Expect(err).NotTo(HaveOccurred())

			// the subtree holding two requests is emitted before the one
			// holding a single request, requests matched at the root come
			// after every subtree
			Expect(queue).To(Equal([]*Request{rB1, rB2, rA, rRoot}))
		})

		It("should keep the queue intact when nothing is cached", func() {
			r1 := newTestRequest([]int{1, 2, 3}, 10)
			r2 := newTestRequest([]int{4, 5, 6}, 10)

			queue, err := NewOrderer(common.PolicyDFSWeight, tree).CalcPriority([]*Request{r1, r2})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(ConsistOf(r1, r2))
		})
	})

	Context("disabled cache", func() {
		BeforeEach(func() {
			tree = prefixcache.NewRadixTree(true, klog.Background())
		})

		It("should degrade prefix-aware policies to fcfs", func() {
			Expect(NewOrderer(common.PolicyLPM, tree).Policy()).To(Equal(common.PolicyFCFS))
			Expect(NewOrderer(common.PolicyDFSWeight, tree).Policy()).To(Equal(common.PolicyFCFS))
			Expect(NewOrderer(common.PolicyLOF, tree).Policy()).To(Equal(common.PolicyLOF))

			r1 := newTestRequest([]int{1, 2, 3}, 10)
			r2 := newTestRequest([]int{4, 5, 6}, 10)
			queue, err := NewOrderer(common.PolicyLPM, tree).CalcPriority([]*Request{r1, r2})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue).To(Equal([]*Request{r1, r2}))
		})
	})
})
