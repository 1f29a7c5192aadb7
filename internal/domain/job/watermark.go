package job

import "sync"

// Watermark tracks log offsets of detections that were handed off but not
// yet finished. The tailer checkpoints at the lowest unfinished offset so a
// restart re-reads every job that had not reached a terminal result.
type Watermark struct {
	mu    sync.Mutex
	files map[string]map[int64]int
}

// NewWatermark creates an empty watermark.
func NewWatermark() *Watermark {
	return &Watermark{files: make(map[string]map[int64]int)}
}

// Add records a pending detection starting at offset in file.
func (w *Watermark) Add(file string, offset int64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := w.files[file]
	if pending == nil {
		pending = make(map[int64]int)
		w.files[file] = pending
	}
	pending[offset]++
}

// Done clears one pending detection recorded by Add.
func (w *Watermark) Done(file string, offset int64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := w.files[file]
	if pending == nil {
		return
	}
	if pending[offset] <= 1 {
		delete(pending, offset)
	} else {
		pending[offset]--
	}
	if len(pending) == 0 {
		delete(w.files, file)
	}
}

// Low returns the smallest pending offset in file, capped at fallback.
func (w *Watermark) Low(file string, fallback int64) int64 {
	if w == nil {
		return fallback
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	low := fallback
	for off := range w.files[file] {
		if off < low {
			low = off
		}
	}
	return low
}

// Pending returns the number of unfinished detections across all files.
func (w *Watermark) Pending() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, pending := range w.files {
		for _, c := range pending {
			n += c
		}
	}
	return n
}
