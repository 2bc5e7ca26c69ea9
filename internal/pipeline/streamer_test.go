package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/troupelabs/troupe/internal/protocol"
)

// startStreamer runs a streamer over its own audio queue and returns both.
func startStreamer(t *testing.T, tr *recordTransport, opts ...StreamerOption) (*Queue[AudioChunk], *Streamer) {
	t.Helper()
	q := NewQueue[AudioChunk](DefaultQueueCap)
	s := NewStreamer(q, tr, 0, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()
	return q, s
}

func putAll(t *testing.T, q *Queue[AudioChunk], chunks ...AudioChunk) {
	t.Helper()
	for _, c := range chunks {
		if !q.TryPut(c) {
			t.Fatal("audio queue full")
		}
	}
}

func TestStreamer_StartOncePerMessage(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{}
	q, _ := startStreamer(t, tr)

	c0 := chunk(0, 0, 0)
	c1 := chunk(0, 1, 0)
	c0.PCM, c1.PCM = []byte{1, 2}, []byte{3, 4}
	putAll(t, q, c0, c1, sentinel(0, 2))

	waitFor(t, time.Second, "audio_stream_stop", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 1
	})

	if got := tr.count(protocol.TypeAudioStreamStart); got != 1 {
		t.Errorf("audio_stream_start count = %d, want 1", got)
	}
	if got := tr.count(protocol.TypeAudioChunk); got != 2 {
		t.Errorf("audio_chunk count = %d, want 2", got)
	}
	if got := tr.count("binary"); got != 2 {
		t.Errorf("binary frame count = %d, want 2", got)
	}

	start := tr.ofType(protocol.TypeAudioStreamStart)[0].Payload.(protocol.AudioStreamStart)
	if start.SampleRate != DefaultSampleRate {
		t.Errorf("sample_rate = %d, want %d", start.SampleRate, DefaultSampleRate)
	}
	if start.MessageID != "m0" || start.SpeakerIndex != 0 {
		t.Errorf("unexpected start payload: %+v", start)
	}
}

func TestStreamer_MetadataPrecedesBinary(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{}
	q, _ := startStreamer(t, tr)
	putAll(t, q, chunk(0, 0, 0), sentinel(0, 1))

	waitFor(t, time.Second, "audio_stream_stop", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 1
	})

	events := tr.Events()
	meta := eventIndex(events, func(e wireEvent) bool { return e.Type == protocol.TypeAudioChunk })
	bin := eventIndex(events, func(e wireEvent) bool { return e.Type == "binary" })
	if meta == -1 || bin == -1 || bin != meta+1 {
		t.Errorf("binary frame at %d, metadata at %d; want adjacent metadata-first", bin, meta)
	}
}

func TestStreamer_NewMessageStartsNewStream(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{}
	q, _ := startStreamer(t, tr)

	// Speaker 0 then speaker 1: stop(0) must precede start(1).
	putAll(t, q, chunk(0, 0, 0), sentinel(0, 1), chunk(1, 0, 0), sentinel(1, 1))

	waitFor(t, time.Second, "both stops", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 2
	})

	events := tr.Events()
	stop0 := eventIndex(events, func(e wireEvent) bool {
		p, ok := e.Payload.(protocol.AudioStreamStop)
		return ok && p.MessageID == "m0"
	})
	start1 := eventIndex(events, func(e wireEvent) bool {
		p, ok := e.Payload.(protocol.AudioStreamStart)
		return ok && p.MessageID == "m1"
	})
	if stop0 == -1 || start1 == -1 || stop0 > start1 {
		t.Errorf("stop(m0) at %d, start(m1) at %d; want stop before start", stop0, start1)
	}
}

func TestStreamer_StopWithoutChunks(t *testing.T) {
	t.Parallel()

	// A speaker whose reply produced no audio still gets its stop from the
	// sentinel, with no paired start.
	tr := &recordTransport{}
	q, _ := startStreamer(t, tr)
	putAll(t, q, sentinel(0, 0))

	waitFor(t, time.Second, "audio_stream_stop", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 1
	})
	if got := tr.count(protocol.TypeAudioStreamStart); got != 0 {
		t.Errorf("audio_stream_start count = %d, want 0", got)
	}
}

func TestStreamer_SuppressSkipsBinaryUntilStop(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{}
	q, s := startStreamer(t, tr)

	s.Suppress()
	putAll(t, q, chunk(0, 0, 0), chunk(0, 0, 1), sentinel(0, 1))
	waitFor(t, time.Second, "first stop", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 1
	})

	if got := tr.count(protocol.TypeAudioChunk); got != 2 {
		t.Errorf("metadata count = %d, want 2 (suppress keeps metadata flowing)", got)
	}
	if got := tr.count("binary"); got != 0 {
		t.Errorf("binary count = %d, want 0 while suppressed", got)
	}

	// The stop cleared the flag: the next speaker's PCM flows again.
	putAll(t, q, chunk(1, 0, 0), sentinel(1, 1))
	waitFor(t, time.Second, "second stop", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 2
	})
	if got := tr.count("binary"); got != 1 {
		t.Errorf("binary count = %d, want 1 after suppress cleared", got)
	}
}

func TestStreamer_ResetDiscardsStaleChunks(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{}
	q, s := startStreamer(t, tr)

	putAll(t, q, chunk(0, 0, 0))
	waitFor(t, time.Second, "first chunk emitted", func() bool {
		return tr.count(protocol.TypeAudioChunk) == 1
	})

	// Interrupt: the next turn's speakers start at sequence 1.
	s.Reset(1)

	// Stragglers from sequence 0 are dropped; sequence 1 plays.
	putAll(t, q, chunk(0, 1, 0), sentinel(0, 2), chunk(1, 0, 0), sentinel(1, 1))
	waitFor(t, time.Second, "new speaker stop", func() bool {
		return tr.count(protocol.TypeAudioStreamStop) == 1
	})

	stops := tr.ofType(protocol.TypeAudioStreamStop)
	if p := stops[0].Payload.(protocol.AudioStreamStop); p.MessageID != "m1" {
		t.Errorf("stop message_id = %q, want m1", p.MessageID)
	}
	if got := tr.count(protocol.TypeAudioChunk); got != 2 {
		t.Errorf("audio_chunk count = %d, want 2 (stale chunk dropped)", got)
	}
}

func TestStreamer_TransportErrorStopsRun(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{failOn: protocol.TypeAudioStreamStart}
	q := NewQueue[AudioChunk](4)
	s := NewStreamer(q, tr, 0)

	q.TryPut(chunk(0, 0, 0))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run returned nil, want transport error")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after transport failure")
	}
}
