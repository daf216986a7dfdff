package index

import "container/heap"

// Compile time check to ensure priorityQueue satisfies the heap interface.
var _ heap.Interface = (*priorityQueue)(nil)

// queueItem is one candidate in a search frontier or result set.
type queueItem struct {
	ID       uint64
	Node     uint32
	Distance float32
}

// priorityQueue holds search candidates. With Order=false it is a min-heap
// (closest on top, used for frontiers); with Order=true a max-heap (farthest
// on top, used to cap result sets). Distance ties break on id so results are
// deterministic.
type priorityQueue struct {
	Order bool
	Items []*queueItem
}

func (pq *priorityQueue) Len() int { return len(pq.Items) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.Items[i], pq.Items[j]
	if a.Distance != b.Distance {
		if pq.Order {
			return a.Distance > b.Distance
		}
		return a.Distance < b.Distance
	}
	// Equal distance: in a max-heap the larger id surfaces first so the
	// smaller id survives eviction; in a min-heap the smaller id pops first.
	if pq.Order {
		return a.ID > b.ID
	}
	return a.ID < b.ID
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
}

func (pq *priorityQueue) Push(x any) {
	item, _ := x.(*queueItem)
	pq.Items = append(pq.Items, item)
}

func (pq *priorityQueue) Pop() any {
	old := pq.Items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	pq.Items = old[:n-1]
	return item
}

func (pq *priorityQueue) Top() *queueItem {
	return pq.Items[0]
}
