// Package mixer provides [Timeline], a software playback renderer that mixes
// buffers scheduled at absolute positions on a sample-accurate output clock.
// Device backends pull rendered audio from it: miniaudio through
// [Timeline.Render] in its data callback, oto through [Timeline.Read].
package mixer

// voiceHeap implements [container/heap.Interface] as a min-heap of pending
// voices ordered by start frame, with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether voice i should start before voice j.
// Earlier start wins; equal starts fall back to scheduling order.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	v := x.(*voice)
	v.index = len(*h)
	*h = append(*h, v)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	v.index = -1
	*h = old[:n-1]
	return v
}
