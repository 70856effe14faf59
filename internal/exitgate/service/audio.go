package service

import (
	"context"
	"log"
	"os/exec"
	"path/filepath"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// Audio cue names. Each maps to a sound file under the cue directory.
const (
	CueScan      = "scan"
	CueSuccess   = "success"
	CueError     = "error"
	CueGateOpen  = "gate_open"
	CueGateClose = "gate_close"
)

// CuePlayer plays a named cue. Implementations must not block the
// caller beyond spawning playback.
type CuePlayer interface {
	Play(cue string)
}

// NopPlayer is used when audio is disabled.
type NopPlayer struct{}

func (NopPlayer) Play(string) {}

// ExecPlayer shells out to a system player (aplay by default). Playback
// failures are logged and otherwise ignored; a broken speaker must not
// affect the lane.
type ExecPlayer struct {
	Command string // e.g. "aplay"
	Dir     string // directory holding <cue>.wav files
	Logger  *log.Logger
}

func (p *ExecPlayer) Play(cue string) {
	cmd := p.Command
	if cmd == "" {
		cmd = "aplay"
	}
	file := filepath.Join(p.Dir, cue+".wav")
	go func() {
		if err := exec.Command(cmd, file).Run(); err != nil {
			p.Logger.Printf("audio: %s %s: %v", cmd, file, err)
		}
	}()
}

// cueFor maps bus events to cues. Gate transitions carry their target
// state in the fields.
func cueFor(ev types.Event) (string, bool) {
	switch ev.Kind {
	case types.EventScan:
		return CueScan, true
	case types.EventExitCompleted, types.EventDebugOverride:
		return CueSuccess, true
	case types.EventTransactionNotFound, types.EventAlreadyExited, types.EventStoreWriteFailed, types.EventGateActuatorFailed:
		return CueError, true
	case types.EventGateState:
		switch ev.Fields["to"] {
		case string(types.GateOpen):
			return CueGateOpen, true
		case string(types.GateClosed):
			return CueGateClose, true
		}
	}
	return "", false
}

// AudioCues consumes a bus subscription and fires the matching cue at
// each milestone.
type AudioCues struct {
	player CuePlayer
}

func NewAudioCues(player CuePlayer) *AudioCues {
	if player == nil {
		player = NopPlayer{}
	}
	return &AudioCues{player: player}
}

// Run consumes events until the subscription closes or ctx is
// cancelled. Intended as a goroutine.
func (a *AudioCues) Run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if cue, ok := cueFor(ev); ok {
				a.player.Play(cue)
			}
		}
	}
}
