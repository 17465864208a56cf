package agent

import (
	"sync"

	"github.com/relicagent/relicagent/internal/plugins"
)

// metricResult is one metric producer's push for a cycle.
type metricResult struct {
	instanceName string
	components   []*plugins.Component
	carried      any
}

// configResult is one config producer's push for a cycle.
type configResult struct {
	instanceName string
	result       map[string]any
}

// queue is an unbounded many-producer buffer. Executors push concurrently
// during the worker phase; the cycle owner drains it after the barrier.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Drain removes and returns everything pushed so far, in arrival order.
func (q *queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
