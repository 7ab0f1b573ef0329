package monitor

// ring is a fixed-capacity FIFO of float64 values.
type ring struct {
	buf   []float64
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]float64, capacity)}
}

// push appends v and returns the evicted value, if any.
func (r *ring) push(v float64) (float64, bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return 0, false
	}
	old := r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return old, true
}

// values returns a copy in insertion order.
func (r *ring) values() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int { return r.n }

// featureWindow keeps the current window of a feature and the reference
// window formed by the values that aged out of it.
type featureWindow struct {
	current   *ring
	reference *ring
}

func newFeatureWindow(current, reference int) *featureWindow {
	return &featureWindow{current: newRing(current), reference: newRing(reference)}
}

// push appends v and reports whether a value moved into the reference window.
func (w *featureWindow) push(v float64) bool {
	old, evicted := w.current.push(v)
	if evicted {
		w.reference.push(old)
	}
	return evicted
}

// scoreSample is one calibrated score awaiting an outcome label.
type scoreSample struct {
	eventID string
	score   float64
	labeled bool
	fraud   bool
}

// scoreWindow is a ring of recent scores indexed by event id so outcome
// labels can be joined to them.
type scoreWindow struct {
	slots []scoreSample
	start int
	n     int
	index map[string]int
}

func newScoreWindow(capacity int) *scoreWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &scoreWindow{slots: make([]scoreSample, capacity), index: make(map[string]int)}
}

func (w *scoreWindow) push(s scoreSample) {
	var slot int
	if w.n < len(w.slots) {
		slot = (w.start + w.n) % len(w.slots)
		w.n++
	} else {
		slot = w.start
		old := w.slots[slot]
		if i, ok := w.index[old.eventID]; ok && i == slot {
			delete(w.index, old.eventID)
		}
		w.start = (w.start + 1) % len(w.slots)
	}
	w.slots[slot] = s
	if s.eventID != "" {
		w.index[s.eventID] = slot
	}
}

// label attaches an outcome to a windowed score. It reports false when
// the event is not in the window.
func (w *scoreWindow) label(eventID string, fraud bool) (float64, bool) {
	slot, ok := w.index[eventID]
	if !ok {
		return 0, false
	}
	w.slots[slot].labeled = true
	w.slots[slot].fraud = fraud
	return w.slots[slot].score, true
}

// labeled returns the labeled scores and their outcomes.
func (w *scoreWindow) labeled() ([]float64, []bool) {
	var scores []float64
	var outcomes []bool
	for i := 0; i < w.n; i++ {
		s := w.slots[(w.start+i)%len(w.slots)]
		if s.labeled {
			scores = append(scores, s.score)
			outcomes = append(outcomes, s.fraud)
		}
	}
	return scores, outcomes
}

func (w *scoreWindow) len() int { return w.n }
