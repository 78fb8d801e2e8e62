package supervisor

import "bytes"

// ReadinessProbe decides whether a freshly spawned agent looks alive once
// the startup health check fires.
type ReadinessProbe interface {
	Ready(totalBytes int64, tail []byte) bool
}

// PromptProbe passes when the process wrote more than MinBytes or any of
// the marker strings shows up in its output tail.
type PromptProbe struct {
	MinBytes int64
	Markers  []string
}

func (p PromptProbe) Ready(totalBytes int64, tail []byte) bool {
	if totalBytes > p.MinBytes {
		return true
	}
	for _, m := range p.Markers {
		if m != "" && bytes.Contains(tail, []byte(m)) {
			return true
		}
	}
	return false
}

// ProbeFunc adapts a function to ReadinessProbe.
type ProbeFunc func(totalBytes int64, tail []byte) bool

func (f ProbeFunc) Ready(totalBytes int64, tail []byte) bool { return f(totalBytes, tail) }
