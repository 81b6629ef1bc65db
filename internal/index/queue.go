package index

import "container/heap"

// Compile time check to ensure queue satisfies the heap interface.
var _ heap.Interface = (*queue)(nil)

// candidate is a graph vertex paired with its distance to the query.
type candidate struct {
	id   uint32
	dist float32
}

// queue is a binary heap of candidates. With farthest set the farthest
// candidate sits on top, otherwise the nearest.
type queue struct {
	farthest bool
	items    []candidate
}

func newQueue(farthest bool, capacity int) *queue {
	return &queue{farthest: farthest, items: make([]candidate, 0, capacity)}
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	if q.farthest {
		return q.items[i].dist > q.items[j].dist
	}
	return q.items[i].dist < q.items[j].dist
}

func (q *queue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *queue) Push(x any) { q.items = append(q.items, x.(candidate)) }

func (q *queue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *queue) push(c candidate) { heap.Push(q, c) }

func (q *queue) pop() candidate { return heap.Pop(q).(candidate) }

func (q *queue) top() candidate { return q.items[0] }

// pushBounded keeps at most limit items, evicting the top when full. Only
// meaningful on a farthest-first queue.
func (q *queue) pushBounded(c candidate, limit int) {
	if q.Len() < limit {
		q.push(c)
		return
	}
	if c.dist < q.top().dist {
		q.items[0] = c
		heap.Fix(q, 0)
	}
}

// sorted drains the queue and returns its items nearest first.
func (q *queue) sorted() []candidate {
	out := make([]candidate, q.Len())
	if q.farthest {
		for i := len(out) - 1; i >= 0; i-- {
			out[i] = q.pop()
		}
	} else {
		for i := range out {
			out[i] = q.pop()
		}
	}
	return out
}
