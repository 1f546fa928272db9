// Package lru implements a generic, thread-safe LRU set.
//
// The window manager uses it as a bounded idempotency guard: window keys are
// remembered in recency order so duplicate timer fan-in is absorbed without
// the guard growing for the lifetime of a long session.
package lru

import "sync"

// node is a doubly linked list node holding one key.
type node[K comparable] struct {
	key  K
	prev *node[K]
	next *node[K]
}

// Set is a generic, thread-safe LRU membership set. Add, Contains, and Len
// are O(1).
type Set[K comparable] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*node[K]
	head     *node[K] // most recently used (sentinel)
	tail     *node[K] // least recently used (sentinel)
}

// NewSet creates an LRU set with the given capacity.
// Panics if capacity < 1.
func NewSet[K comparable](capacity int) *Set[K] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K]{}
	tail := &node[K]{}
	head.next = tail
	tail.prev = head

	return &Set[K]{
		capacity: capacity,
		items:    make(map[K]*node[K], capacity),
		head:     head,
		tail:     tail,
	}
}

// Add marks key as a member, refreshing its recency. If the set is at
// capacity the least recently used member is evicted. Returns true when the
// key was not already a member.
func (s *Set[K]) Add(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.items[key]; ok {
		s.moveToFront(n)
		return false
	}

	if len(s.items) >= s.capacity {
		victim := s.tail.prev
		s.remove(victim)
		delete(s.items, victim.key)
	}

	n := &node[K]{key: key}
	s.items[key] = n
	s.pushFront(n)
	return true
}

// Contains reports membership and refreshes the key's recency.
func (s *Set[K]) Contains(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[key]
	if !ok {
		return false
	}
	s.moveToFront(n)
	return true
}

// Delete removes a key. Returns true if the key was a member.
func (s *Set[K]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[key]
	if !ok {
		return false
	}
	s.remove(n)
	delete(s.items, key)
	return true
}

// Len returns the current number of members.
func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear removes all members.
func (s *Set[K]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.head.next = s.tail
	s.tail.prev = s.head
	s.items = make(map[K]*node[K], s.capacity)
}

// --- internal linked list operations (caller must hold lock) ---

func (s *Set[K]) remove(n *node[K]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (s *Set[K]) pushFront(n *node[K]) {
	n.next = s.head.next
	n.prev = s.head
	s.head.next.prev = n
	s.head.next = n
}

func (s *Set[K]) moveToFront(n *node[K]) {
	s.remove(n)
	s.pushFront(n)
}
