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

package prefixcache

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// NodeHandle identifies a tree node. Handles are stable small integers into a
// cache-owned node arena, holding one does not imply ownership of the node:
// an unlocked node may be evicted at any time, after which lookups of its
// handle fail. Callers that need a node to stay resident must lock it with
// IncLockRef.
type NodeHandle int64

// RootHandle is the handle of the tree's root node.
const RootHandle NodeHandle = 0

type treeNode struct {
	parent   NodeHandle
	children map[int]NodeHandle // keyed by the first token of the child's edge
	key      []int              // edge token ids
	value    []int64            // KV slot indices, always len(value) == len(key)
	lockRef  int
	lastAccess time.Time
}

// RadixTree is a prefix cache over token-id sequences. Shared prefixes share
// ancestor nodes, so a longest-prefix lookup walks a single root-to-node path.
// All methods are safe for concurrent use; a background eviction pass may run
// while the scheduler matches and locks paths.
type RadixTree struct {
	mu            sync.Mutex
	nodes         map[NodeHandle]*treeNode
	nextHandle    NodeHandle
	disabled      bool
	evictableSize int
	totalSize     int
	logger        logr.Logger
}

// NewRadixTree creates a radix tree prefix cache. A disabled tree matches
// nothing and ignores inserts, it exists so callers don't need to special-case
// configurations with prefix caching turned off.
func NewRadixTree(disabled bool, logger logr.Logger) *RadixTree {
	t := &RadixTree{
		nodes:      make(map[NodeHandle]*treeNode),
		nextHandle: RootHandle + 1,
		disabled:   disabled,
		logger:     logger,
	}
	t.nodes[RootHandle] = &treeNode{
		parent:     RootHandle,
		children:   make(map[int]NodeHandle),
		lastAccess: time.Now(),
	}
	return t
}

// Disabled reports whether prefix caching is turned off.
func (t *RadixTree) Disabled() bool {
	return t.disabled
}

// RootNode returns the handle of the root node.
func (t *RadixTree) RootNode() NodeHandle {
	return RootHandle
}

// MatchPrefix returns the KV positions of the longest cached prefix of key and
// the handle of the deepest matched node. The lookup is read-only with respect
// to locking: the matched node is not protected, and may be evicted before the
// caller acts on the result.
func (t *RadixTree) MatchPrefix(key []int) ([]int64, NodeHandle) {
	if t.disabled {
		return nil, RootHandle
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.matchPrefixLocked(key)
}

// MatchPrefixLock matches the longest cached prefix of key and, in the same
// critical section, increments the lock-reference count of the matched path so
// that no concurrent eviction can remove it. The returned delta is the token
// budget adjustment produced by the locking (see IncLockRef).
func (t *RadixTree) MatchPrefixLock(key []int) ([]int64, NodeHandle, int) {
	if t.disabled {
		return nil, RootHandle, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	value, last := t.matchPrefixLocked(key)
	delta := t.incLockRefLocked(last)
	return value, last, delta
}

// IncLockRef locks the path from the given node up to the root. Every node
// whose lock-reference count rises from zero leaves the evictable pool, and
// its tokens stop being reclaimable, so the returned delta (<= 0) must be
// applied to the caller's total token budget.
func (t *RadixTree) IncLockRef(h NodeHandle) int {
	if t.disabled {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.incLockRefLocked(h)
}

// DecLockRef unlocks the path from the given node up to the root. Every node
// whose lock-reference count drops to zero returns to the evictable pool, so
// the returned delta (>= 0) must be credited to the caller's total token
// budget.
func (t *RadixTree) DecLockRef(h NodeHandle) int {
	if t.disabled {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delta := 0
	for h != RootHandle {
		node := t.mustNode(h)
		if node.lockRef <= 0 {
			panic(fmt.Sprintf("prefix cache: lock released more times than acquired on node %d", h))
		}
		node.lockRef--
		if node.lockRef == 0 {
			t.evictableSize += len(node.value)
			delta += len(node.value)
		}
		h = node.parent
	}
	return delta
}

// Insert stores key/value in the tree, reusing any already-cached prefix, and
// returns the length of that prefix (the number of leading tokens that were
// already present). len(value) must equal len(key).
func (t *RadixTree) Insert(key []int, value []int64) int {
	if t.disabled {
		return 0
	}
	if len(key) != len(value) {
		panic(fmt.Sprintf("prefix cache: insert with %d tokens but %d positions", len(key), len(value)))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	h := RootHandle
	prefixLen := 0

	for len(key) > 0 {
		node := t.mustNode(h)
		node.lastAccess = now

		child, ok := node.children[key[0]]
		if !ok {
			break
		}

		childNode := t.mustNode(child)
		n := matchLen(childNode.key, key)
		if n < len(childNode.key) {
			child = t.splitNodeLocked(child, n)
			childNode = t.mustNode(child)
		}
		prefixLen += n
		key = key[n:]
		value = value[n:]
		h = child
	}

	if len(key) > 0 {
		t.mustNode(h).lastAccess = now
		newHandle := t.nextHandle
		t.nextHandle++
		t.nodes[newHandle] = &treeNode{
			parent:     h,
			children:   make(map[int]NodeHandle),
			key:        append([]int{}, key...),
			value:      append([]int64{}, value...),
			lastAccess: now,
		}
		t.mustNode(h).children[key[0]] = newHandle
		t.evictableSize += len(key)
		t.totalSize += len(key)
	}

	return prefixLen
}

// Evict removes least-recently-used unlocked leaves until at least numTokens
// tokens have been freed or nothing evictable remains. The callback receives
// the KV positions of every removed node so the caller can release the
// underlying memory.
func (t *RadixTree) Evict(numTokens int, callback func([]int64)) {
	if t.disabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	leaves := &leafHeap{tree: t}
	for h, node := range t.nodes {
		if h != RootHandle && len(node.children) == 0 {
			leaves.handles = append(leaves.handles, h)
		}
	}
	heap.Init(leaves)

	freed := 0
	for freed < numTokens && leaves.Len() > 0 {
		h := heap.Pop(leaves).(NodeHandle)
		node := t.mustNode(h)
		if node.lockRef > 0 {
			// locked paths are never evicted
			continue
		}

		callback(node.value)
		freed += len(node.value)
		t.evictableSize -= len(node.value)
		t.totalSize -= len(node.value)

		parent := t.mustNode(node.parent)
		delete(parent.children, node.key[0])
		delete(t.nodes, h)

		if node.parent != RootHandle && len(parent.children) == 0 {
			heap.Push(leaves, node.parent)
		}
	}

	if freed > 0 {
		t.logger.V(4).Info("evicted cached tokens", "requested", numTokens, "freed", freed)
	}
}

// EvictableSize returns the number of cached tokens held by unlocked nodes.
func (t *RadixTree) EvictableSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictableSize
}

// TotalSize returns the number of tokens currently cached.
func (t *RadixTree) TotalSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalSize
}

// Children returns the child handles of a node in ascending order of the
// first token of their edges, so traversals are deterministic. An evicted or
// unknown handle has no children: traversal is an advisory read and must
// tolerate concurrent eviction.
func (t *RadixTree) Children(h NodeHandle) []NodeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[h]
	if !ok {
		return nil
	}
	tokens := make([]int, 0, len(node.children))
	for token := range node.children {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)

	children := make([]NodeHandle, 0, len(tokens))
	for _, token := range tokens {
		children = append(children, node.children[token])
	}
	return children
}

// LockRef returns the lock-reference count of a node (for testing).
func (t *RadixTree) LockRef(h NodeHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mustNode(h).lockRef
}

func (t *RadixTree) matchPrefixLocked(key []int) ([]int64, NodeHandle) {
	now := time.Now()
	h := RootHandle
	var value []int64

	for len(key) > 0 {
		node := t.mustNode(h)
		node.lastAccess = now

		child, ok := node.children[key[0]]
		if !ok {
			break
		}

		childNode := t.mustNode(child)
		n := matchLen(childNode.key, key)
		if n < len(childNode.key) {
			// the match ends inside this edge, split so the matched part
			// becomes a node of its own
			child = t.splitNodeLocked(child, n)
			childNode = t.mustNode(child)
		}
		childNode.lastAccess = now
		value = append(value, childNode.value...)
		key = key[n:]
		h = child
	}

	return value, h
}

func (t *RadixTree) incLockRefLocked(h NodeHandle) int {
	delta := 0
	for h != RootHandle {
		node := t.mustNode(h)
		if node.lockRef == 0 {
			t.evictableSize -= len(node.value)
			delta -= len(node.value)
		}
		node.lockRef++
		h = node.parent
	}
	return delta
}

// splitNodeLocked splits a node's edge after n tokens and returns the handle
// of the new upper node. The lower node keeps its handle, children and locks;
// the upper node inherits the lock count so the eviction guarantee covers both
// halves of the former edge.
func (t *RadixTree) splitNodeLocked(h NodeHandle, n int) NodeHandle {
	node := t.mustNode(h)

	upperHandle := t.nextHandle
	t.nextHandle++
	upper := &treeNode{
		parent:     node.parent,
		children:   map[int]NodeHandle{node.key[n]: h},
		key:        append([]int{}, node.key[:n]...),
		value:      append([]int64{}, node.value[:n]...),
		lockRef:    node.lockRef,
		lastAccess: node.lastAccess,
	}
	t.nodes[upperHandle] = upper

	parent := t.mustNode(node.parent)
	parent.children[node.key[0]] = upperHandle

	node.key = append([]int{}, node.key[n:]...)
	node.value = append([]int64{}, node.value[n:]...)
	node.parent = upperHandle

	return upperHandle
}

func (t *RadixTree) mustNode(h NodeHandle) *treeNode {
	node, ok := t.nodes[h]
	if !ok {
		panic(fmt.Sprintf("prefix cache: lookup of evicted or unknown node %d", h))
	}
	return node
}

func matchLen(a []int, b []int) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// leafHeap orders leaf handles by last access time, oldest first.
type leafHeap struct {
	tree    *RadixTree
	handles []NodeHandle
}

func (l *leafHeap) Len() int { return len(l.handles) }

func (l *leafHeap) Less(i, j int) bool {
	return l.tree.mustNode(l.handles[i]).lastAccess.Before(l.tree.mustNode(l.handles[j]).lastAccess)
}

func (l *leafHeap) Swap(i, j int) {
	l.handles[i], l.handles[j] = l.handles[j], l.handles[i]
}

func (l *leafHeap) Push(x any) {
	l.handles = append(l.handles, x.(NodeHandle))
}

func (l *leafHeap) Pop() any {
	h := l.handles[len(l.handles)-1]
	l.handles = l.handles[:len(l.handles)-1]
	return h
}
