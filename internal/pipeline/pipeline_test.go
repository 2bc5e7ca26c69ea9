package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/troupelabs/troupe/internal/protocol"
	"github.com/troupelabs/troupe/pkg/provider/llm"
	llmmock "github.com/troupelabs/troupe/pkg/provider/llm/mock"
	ttsmock "github.com/troupelabs/troupe/pkg/provider/tts/mock"
	"github.com/troupelabs/troupe/pkg/types"
)

// wireEvent is one recorded transport emission. Binary frames use Type
// "binary".
type wireEvent struct {
	Type    string
	Payload any
	Binary  []byte
}

// recordTransport is an in-memory Transport that records every emission in
// order. failOn makes SendJSON fail for one message type to simulate a
// disconnect.
type recordTransport struct {
	mu     sync.Mutex
	events []wireEvent
	failOn string
}

func (tr *recordTransport) SendJSON(_ context.Context, msgType string, payload any) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.failOn != "" && msgType == tr.failOn {
		return errors.New("transport closed")
	}
	tr.events = append(tr.events, wireEvent{Type: msgType, Payload: payload})
	return nil
}

func (tr *recordTransport) SendBinary(_ context.Context, data []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	tr.events = append(tr.events, wireEvent{Type: "binary", Binary: buf})
	return nil
}

// Events returns a snapshot of all recorded events.
func (tr *recordTransport) Events() []wireEvent {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]wireEvent, len(tr.events))
	copy(out, tr.events)
	return out
}

// ofType returns the recorded events of one message type, in order.
func (tr *recordTransport) ofType(msgType string) []wireEvent {
	var out []wireEvent
	for _, e := range tr.Events() {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

// count returns how many events of msgType were recorded.
func (tr *recordTransport) count(msgType string) int {
	return len(tr.ofType(msgType))
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// staticResolver resolves every message to a fixed character list.
type staticResolver struct {
	chars []ResolvedCharacter
}

func (r staticResolver) Resolve(string) []ResolvedCharacter { return r.chars }

// char builds a test character with a 24 kHz voice.
func testChar(id, name string) ResolvedCharacter {
	return ResolvedCharacter{
		ID:    id,
		Name:  name,
		Voice: types.VoiceProfile{ID: "voice-" + id, Provider: "mock", SampleRate: DefaultSampleRate},
	}
}

// streamOf returns an llm StreamFunc-compatible channel emitting the given
// texts as one chunk each, then closing.
func streamOf(texts ...string) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(texts))
	for _, text := range texts {
		ch <- llm.Chunk{Text: text}
	}
	close(ch)
	return ch
}

// rig wires a complete pipeline with mock providers and a recording
// transport, running all three worker loops until the test ends.
type rig struct {
	ingress   *Queue[string]
	sentences *Queue[Sentence]
	audioQ    *Queue[AudioChunk]
	transport *recordTransport
	llm       *llmmock.Provider
	tts       *ttsmock.Provider
	orch      *Orchestrator
	worker    *Worker
	streamer  *Streamer
	cancel    context.CancelFunc
}

// rigConfig tweaks rig construction.
type rigConfig struct {
	queueCap int
	history  History
}

func newRig(t *testing.T, resolver CharacterResolver, cfg rigConfig) *rig {
	t.Helper()
	if cfg.queueCap == 0 {
		cfg.queueCap = DefaultQueueCap
	}

	r := &rig{
		ingress:   NewQueue[string](cfg.queueCap),
		sentences: NewQueue[Sentence](cfg.queueCap),
		audioQ:    NewQueue[AudioChunk](cfg.queueCap),
		transport: &recordTransport{},
		llm:       &llmmock.Provider{},
		tts:       &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2, 3, 4}}},
	}

	var orchOpts []OrchestratorOption
	if cfg.history != nil {
		orchOpts = append(orchOpts, WithHistory(cfg.history))
	}
	r.orch = NewOrchestrator(r.ingress, r.sentences, resolver, r.llm, r.transport, orchOpts...)
	r.worker = NewWorker(r.sentences, r.audioQ, r.tts)
	r.streamer = NewStreamer(r.audioQ, r.transport, 0, WithEventHook(r.orch.ObserveAudioEvent))

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	t.Cleanup(cancel)

	go func() { _ = r.orch.Run(ctx) }()
	go func() { _ = r.worker.Run(ctx) }()
	go func() { _ = r.streamer.Run(ctx) }()
	return r
}

// say enqueues a user message.
func (r *rig) say(t *testing.T, msg string) {
	t.Helper()
	if !r.ingress.TryPut(msg) {
		t.Fatal("ingress queue full")
	}
}

// awaitTurnDone waits until the current turn reaches a terminal state.
func (r *rig) awaitTurnDone(t *testing.T) {
	t.Helper()
	waitFor(t, 2*time.Second, "turn to finish", func() bool {
		turn := r.orch.CurrentTurn()
		return turn != nil && turn.State().Terminal()
	})
}

// eventIndex returns the position of the first event matching pred, or -1.
func eventIndex(events []wireEvent, pred func(wireEvent) bool) int {
	for i, e := range events {
		if pred(e) {
			return i
		}
	}
	return -1
}

// audioEventsFor filters audio lifecycle and chunk events for one character.
func audioEventsFor(events []wireEvent, characterID string) []wireEvent {
	var out []wireEvent
	for _, e := range events {
		switch p := e.Payload.(type) {
		case protocol.AudioStreamStart:
			if p.CharacterID == characterID {
				out = append(out, e)
			}
		case protocol.AudioChunk:
			if p.CharacterID == characterID {
				out = append(out, e)
			}
		case protocol.AudioStreamStop:
			if p.CharacterID == characterID {
				out = append(out, e)
			}
		}
	}
	return out
}
