package supervisor

// tailBuffer keeps the newest max bytes written to it.
type tailBuffer struct {
	max  int
	data []byte
}

func newTailBuffer(max int, seed []byte) *tailBuffer {
	t := &tailBuffer{max: max}
	t.Write(seed)
	return t
}

func (t *tailBuffer) Write(p []byte) {
	if t.max <= 0 || len(p) == 0 {
		return
	}
	if len(p) >= t.max {
		t.data = append(t.data[:0], p[len(p)-t.max:]...)
		return
	}
	t.data = append(t.data, p...)
	if over := len(t.data) - t.max; over > 0 {
		t.data = t.data[over:]
	}
}

func (t *tailBuffer) Len() int { return len(t.data) }

// Bytes returns a copy.
func (t *tailBuffer) Bytes() []byte {
	return append([]byte(nil), t.data...)
}
