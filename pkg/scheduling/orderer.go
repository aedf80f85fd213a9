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
	"fmt"
	"sort"

	"github.com/llm-d/llm-d-request-scheduler/pkg/common"
	prefixcache "github.com/llm-d/llm-d-request-scheduler/pkg/prefix-cache"
)

// Orderer reorders the waiting queue according to a fixed policy. Ordering is
// advisory: prefix matches computed here are read-only and non-locking, the
// cache may evict a matched node before admission runs, so the produced
// PrefixIndices/LastNode are hints re-validated by the admitter.
type Orderer struct {
	policy string
	tree   *prefixcache.RadixTree
}

// NewOrderer creates an orderer bound to a policy and a prefix cache. When the
// cache is disabled, prefix-aware policies (lpm, dfs-weight) are meaningless
// and silently degrade to fcfs.
func NewOrderer(policy string, tree *prefixcache.RadixTree) *Orderer {
	if tree.Disabled() && (policy == common.PolicyLPM || policy == common.PolicyDFSWeight) {
		policy = common.PolicyFCFS
	}
	return &Orderer{policy: policy, tree: tree}
}

// Policy returns the effective policy, after any disabled-cache degradation.
func (o *Orderer) Policy() string {
	return o.policy
}

// CalcPriority orders the waiting queue by the configured policy. The slice is
// reordered in place and also returned; for dfs-weight the returned slice must
// be used, since requests whose matched node became unreachable contribute no
// entries. An unknown policy is a configuration error.
func (o *Orderer) CalcPriority(queue []*Request) ([]*Request, error) {
	if o.policy == common.PolicyLPM || o.policy == common.PolicyDFSWeight {
		for _, r := range queue {
			// PrefixIndices must always be assigned together with LastNode
			r.PrefixIndices, r.LastNode = o.tree.MatchPrefix(r.AdjustMaxPrefixIDs())
		}
	}

	switch o.policy {
	case common.PolicyLPM:
		// longest prefix match, ties keep input order
		sort.SliceStable(queue, func(i, j int) bool {
			return len(queue[i].PrefixIndices) > len(queue[j].PrefixIndices)
		})
	case common.PolicyFCFS:
		// first come first serve
	case common.PolicyLOF:
		// longest output first
		sort.SliceStable(queue, func(i, j int) bool {
			return queue[i].SamplingParams.MaxNewTokens > queue[j].SamplingParams.MaxNewTokens
		})
	case common.PolicyRandom:
		common.Shuffle(len(queue), func(i, j int) {
			queue[i], queue[j] = queue[j], queue[i]
		})
	case common.PolicyDFSWeight:
		return o.dfsWeightOrder(queue), nil
	default:
		return nil, fmt.Errorf("unknown schedule policy: %s", o.policy)
	}

	return queue, nil
}

type dfsFrame struct {
	node    prefixcache.NodeHandle
	visited bool
}

// dfsWeightOrder clusters requests sharing larger common subtrees: every tree
// node is weighted by the number of requests matched in its subtree, and a
// depth-first walk visits heavier child subtrees first, appending each node's
// directly-matched requests after all of its descendants.
func (o *Orderer) dfsWeightOrder(queue []*Request) []*Request {
	lastNodeToReqs := make(map[prefixcache.NodeHandle][]*Request)
	for _, r := range queue {
		lastNodeToReqs[r.LastNode] = append(lastNodeToReqs[r.LastNode], r)
	}

	weight := make(map[prefixcache.NodeHandle]int, len(lastNodeToReqs))
	for node, reqs := range lastNodeToReqs {
		weight[node] = len(reqs)
	}

	root := o.tree.RootNode()

	// bottom-up weight accumulation over the whole tree, iterative to keep
	// deep shared-prefix trees from exhausting the call stack
	stack := []dfsFrame{{node: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !f.visited {
			stack = append(stack, dfsFrame{node: f.node, visited: true})
			for _, child := range o.tree.Children(f.node) {
				stack = append(stack, dfsFrame{node: child})
			}
		} else {
			for _, child := range o.tree.Children(f.node) {
				weight[f.node] += weight[child]
			}
		}
	}

	// weight-descending depth-first emission; a node's own requests follow
	// its entire subtree
	ordered := make([]*Request, 0, len(queue))
	stack = stack[:0]
	stack = append(stack, dfsFrame{node: root})
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.visited {
			ordered = append(ordered, lastNodeToReqs[f.node]...)
			continue
		}
		stack = append(stack, dfsFrame{node: f.node, visited: true})
		children := o.tree.Children(f.node)
		sort.SliceStable(children, func(i, j int) bool {
			return weight[children[i]] > weight[children[j]]
		})
		// pushed in reverse so the heaviest subtree pops first and weight
		// ties keep their child order
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, dfsFrame{node: children[i]})
		}
	}

	copy(queue, ordered)
	return queue[:len(ordered)]
}
