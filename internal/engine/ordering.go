package engine

import (
	"math/rand"
	"sync/atomic"
)

// Ordering decides the iteration order of users, projects and pending
// releases within a sweep. The default random permutation keeps a
// rate-limit ceiling hit partway through a sweep from permanently starving
// the same tail of entities.
type Ordering interface {
	// Permutation returns a permutation of [0, n).
	Permutation(n int) []int
}

// RandomOrdering draws a fresh random permutation each time.
type RandomOrdering struct{}

// Permutation implements Ordering.
func (RandomOrdering) Permutation(n int) []int {
	return rand.Perm(n)
}

// permuted returns items rearranged by the ordering. The input slice is not
// modified.
func permuted[T any](items []T, ordering Ordering) []T {
	if len(items) < 2 {
		return items
	}
	indices := ordering.Permutation(len(items))
	out := make([]T, 0, len(items))
	for _, i := range indices {
		out = append(out, items[i])
	}
	return out
}

// retrySignal accumulates the latest provider-reported rate-limit reset.
type retrySignal struct {
	at atomic.Int64
}

// note keeps the furthest-out reset time seen during the current sweep.
func (s *retrySignal) note(retryAt int64) {
	for {
		current := s.at.Load()
		if retryAt <= current {
			return
		}
		if s.at.CompareAndSwap(current, retryAt) {
			return
		}
	}
}

func (s *retrySignal) consume() int64 {
	return s.at.Swap(0)
}
