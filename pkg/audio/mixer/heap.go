// Package mixer provides a software [audio.OutputGraph]: a monotonic sample
// clock, a start-time ordered queue of voices, and a render loop that mixes
// active voices into 16-bit PCM for a sink such as an ffplay pipe.
package mixer

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start sample, with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether voice i starts before voice j. Voices scheduled for
// the same sample keep their insertion order.
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
