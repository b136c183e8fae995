package stats

import "container/heap"

// HostCount 用于排序的结构体
type HostCount struct {
	Host  string `json:"host"`
	Count int64  `json:"count"`
}

// GetTopBlocked 获取拦截次数最多的主机
func (s *Stats) GetTopBlocked(limit int) []HostCount {
	if limit <= 0 {
		return []HostCount{}
	}

	s.mu.Lock()
	h := &MinHeap{}
	for host, count := range s.hosts {
		hc := HostCount{Host: host, Count: count}
		if h.Len() < limit {
			heap.Push(h, hc)
		} else if better(hc, (*h)[0]) {
			(*h)[0] = hc
			heap.Fix(h, 0)
		}
	}
	s.mu.Unlock()

	// Convert to sorted array (descending)
	result := make([]HostCount, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(HostCount)
	}
	return result
}

func better(a, b HostCount) bool {
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	return a.Host < b.Host
}

// MinHeap implementation
type MinHeap []HostCount

func (h MinHeap) Len() int           { return len(h) }
func (h MinHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h MinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MinHeap) Push(x interface{}) {
	*h = append(*h, x.(HostCount))
}

func (h *MinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
