package testutil

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/g960059/agtbroker/internal/api"
)

// Viewer records every stream message it is sent.
type Viewer struct {
	id string

	mu   sync.Mutex
	msgs []api.ServerMessage
	fail bool
}

func NewViewer(id string) *Viewer {
	return &Viewer{id: id}
}

func (v *Viewer) ID() string { return v.id }

func (v *Viewer) Send(payload []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail {
		return errors.New("viewer connection closed")
	}
	var msg api.ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	v.msgs = append(v.msgs, msg)
	return nil
}

// SetFail makes every later Send fail.
func (v *Viewer) SetFail(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fail = fail
}

func (v *Viewer) Messages() []api.ServerMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]api.ServerMessage(nil), v.msgs...)
}

// Frames returns the sequenced frames received so far.
func (v *Viewer) Frames() []api.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []api.Frame
	for _, m := range v.msgs {
		if m.Type == api.MsgSequencedOutput && m.Frame != nil {
			out = append(out, *m.Frame)
		}
	}
	return out
}

// LastFrame returns the newest frame or false.
func (v *Viewer) LastFrame() (api.Frame, bool) {
	frames := v.Frames()
	if len(frames) == 0 {
		return api.Frame{}, false
	}
	return frames[len(frames)-1], true
}
