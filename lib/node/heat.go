package node

import (
	"container/heap"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ----------------------------------------------------------------------------
// Heat heap
// ----------------------------------------------------------------------------

// heatItem is one profile in the heat heap
type heatItem struct {
	Profile int
	Heat    uint64
	index   int // maintained by the heap package
}

func (i *heatItem) String() string {
	return "{Profile: " + strconv.Itoa(i.Profile) + ", Heat: " + strconv.FormatUint(i.Heat, 10) + "}"
}

// heatHeap is a min-heap of profiles ordered by heat (ties by profile id) that also allows
// access by profile. It is not safe for concurrent use.
type heatHeap struct {
	items     []*heatItem
	byProfile map[int]*heatItem
}

func newHeatHeap() *heatHeap {
	return &heatHeap{
		items:     make([]*heatItem, 0),
		byProfile: make(map[int]*heatItem),
	}
}

func (h *heatHeap) Len() int { return len(h.items) }

func (h *heatHeap) Less(i, j int) bool {
	if h.items[i].Heat != h.items[j].Heat {
		return h.items[i].Heat < h.items[j].Heat
	}
	return h.items[i].Profile < h.items[j].Profile
}

func (h *heatHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *heatHeap) Push(x interface{}) {
	it := x.(*heatItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byProfile[it.Profile] = it
}

func (h *heatHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.byProfile, it.Profile)
	return it
}

// Set adds a profile or updates its heat
func (h *heatHeap) Set(profile int, heat uint64) {
	if it, ok := h.byProfile[profile]; ok {
		it.Heat = heat
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &heatItem{Profile: profile, Heat: heat})
}

// Remove drops a profile and returns its heat
func (h *heatHeap) Remove(profile int) (uint64, bool) {
	it, ok := h.byProfile[profile]
	if !ok {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Heat, true
}

// Peek returns the coldest profile without removing it
func (h *heatHeap) Peek() (*heatItem, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

func (h *heatHeap) Contains(profile int) bool {
	_, ok := h.byProfile[profile]
	return ok
}

// PopColdest removes and returns up to n of the coldest profiles, coldest first
func (h *heatHeap) PopColdest(n int) []int {
	out := make([]int, 0, n)
	for len(out) < n && h.Len() > 0 {
		out = append(out, heap.Pop(h).(*heatItem).Profile)
	}
	return out
}

// ----------------------------------------------------------------------------
// Heat tracker
// ----------------------------------------------------------------------------

// heatTracker counts the operations per profile
type heatTracker struct {
	counters *xsync.MapOf[int, *atomic.Uint64]
}

func newHeatTracker() *heatTracker {
	return &heatTracker{counters: xsync.NewMapOf[int, *atomic.Uint64]()}
}

func (t *heatTracker) touch(profile int, ops int) {
	c, _ := t.counters.LoadOrCompute(profile, func() *atomic.Uint64 { return new(atomic.Uint64) })
	c.Add(uint64(ops))
}

func (t *heatTracker) heat(profile int) uint64 {
	if c, ok := t.counters.Load(profile); ok {
		return c.Load()
	}
	return 0
}

func (t *heatTracker) forget(profile int) {
	t.counters.Delete(profile)
}

// snapshot returns the heat of every given profile
func (t *heatTracker) snapshot(profiles []int) map[int]uint64 {
	out := make(map[int]uint64, len(profiles))
	for _, p := range profiles {
		out[p] = t.heat(p)
	}
	return out
}

// coldest returns up to n of the given profiles with the least operations, coldest first
func (t *heatTracker) coldest(profiles []int, n int) []int {
	if n <= 0 || len(profiles) == 0 {
		return nil
	}
	h := newHeatHeap()
	heap.Init(h)
	for _, p := range profiles {
		h.Set(p, t.heat(p))
	}
	return h.PopColdest(n)
}

func sortedProfiles(set *xsync.MapOf[int, struct{}]) []int {
	out := make([]int, 0, set.Size())
	set.Range(func(p int, _ struct{}) bool {
		out = append(out, p)
		return true
	})
	sort.Ints(out)
	return out
}
