// Package latch provides the striped per-key locks that guard membership of
// the write cache page table.
package latch

import (
	"sync"

	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
)

const defaultPartitions = 128

// PartitionedLock maps keys onto a fixed set of RW mutexes. Two keys may share
// a mutex, so holders must never take a second key's lock while holding one.
type PartitionedLock[K comparable] struct {
	locks []sync.RWMutex
	hash  func(K) uint64
}

// New creates a lock with the given number of partitions (rounded up to a
// power of two).
func New[K comparable](partitions int, hash func(K) uint64) *PartitionedLock[K] {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	n := 1
	for n < partitions {
		n <<= 1
	}
	return &PartitionedLock[K]{locks: make([]sync.RWMutex, n), hash: hash}
}

func (l *PartitionedLock[K]) partition(k K) *sync.RWMutex {
	return &l.locks[l.hash(k)&uint64(len(l.locks)-1)]
}

// Lock takes k's partition exclusively and returns the unlock function.
func (l *PartitionedLock[K]) Lock(k K) func() {
	m := l.partition(k)
	m.Lock()
	return m.Unlock
}

// RLock takes k's partition in shared mode and returns the unlock function.
func (l *PartitionedLock[K]) RLock(k K) func() {
	m := l.partition(k)
	m.RLock()
	return m.RUnlock
}

// PageKeyHash mixes both halves of a page key (splitmix64 finalizer).
func PageKeyHash(k pagemanager.PageKey) uint64 {
	x := uint64(uint32(k.FileID))<<40 ^ uint64(k.PageIndex)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// NewPageLock creates a partitioned lock keyed by page.
func NewPageLock(partitions int) *PartitionedLock[pagemanager.PageKey] {
	return New[pagemanager.PageKey](partitions, PageKeyHash)
}
