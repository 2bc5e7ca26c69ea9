package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	ttsmock "github.com/troupelabs/troupe/pkg/provider/tts/mock"
	"github.com/troupelabs/troupe/pkg/types"
)

func startWorker(t *testing.T, engine *ttsmock.Provider, opts ...WorkerOption) (*Queue[Sentence], *Queue[AudioChunk]) {
	t.Helper()
	in := NewQueue[Sentence](DefaultQueueCap)
	out := NewQueue[AudioChunk](DefaultQueueCap)
	w := NewWorker(in, out, engine, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return in, out
}

func testSentence(text string, idx int) Sentence {
	return Sentence{
		Text:          text,
		SentenceIndex: idx,
		MessageID:     "m1",
		CharacterID:   "a",
		CharacterName: "A",
		Voice:         types.VoiceProfile{ID: "v1", Provider: "mock", SampleRate: DefaultSampleRate},
	}
}

// collect reads n chunks from out, failing on timeout.
func collect(t *testing.T, out *Queue[AudioChunk], n int) []AudioChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chunks := make([]AudioChunk, 0, n)
	for len(chunks) < n {
		c, err := out.Get(ctx)
		if err != nil {
			t.Fatalf("collected %d of %d chunks: %v", len(chunks), n, err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestWorker_ChunkIndicesPerSentence(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}}
	in, out := startWorker(t, engine)

	in.TryPut(testSentence("One.", 0))
	in.TryPut(testSentence("Two.", 1))

	chunks := collect(t, out, 4)
	want := []struct{ sentence, chunk int }{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	for i, w := range want {
		if chunks[i].SentenceIndex != w.sentence || chunks[i].ChunkIndex != w.chunk {
			t.Errorf("chunk[%d] = (sentence %d, chunk %d), want (%d, %d)",
				i, chunks[i].SentenceIndex, chunks[i].ChunkIndex, w.sentence, w.chunk)
		}
		if chunks[i].IsFinal {
			t.Errorf("chunk[%d] unexpectedly final", i)
		}
		if chunks[i].SampleRate != DefaultSampleRate {
			t.Errorf("chunk[%d] sample rate = %d, want %d", i, chunks[i].SampleRate, DefaultSampleRate)
		}
	}
}

func TestWorker_SentinelPassthrough(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Provider{}
	in, out := startWorker(t, engine)

	in.TryPut(Sentence{
		SentenceIndex: 3,
		MessageID:     "m7",
		CharacterID:   "b",
		CharacterName: "B",
		SpeakerIndex:  1,
		SpeakerSeq:    5,
		IsFinal:       true,
	})

	c := collect(t, out, 1)[0]
	if !c.IsFinal {
		t.Fatal("expected final sentinel")
	}
	if len(c.PCM) != 0 {
		t.Errorf("sentinel PCM length = %d, want 0", len(c.PCM))
	}
	if c.MessageID != "m7" || c.SpeakerIndex != 1 || c.SpeakerSeq != 5 || c.SentenceIndex != 3 {
		t.Errorf("sentinel lost identity fields: %+v", c)
	}
	if len(engine.SynthesizeCalls) != 0 {
		t.Errorf("sentinel triggered %d synthesis calls, want 0", len(engine.SynthesizeCalls))
	}
}

func TestWorker_TrimsTextBeforeSynthesis(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}}}
	in, out := startWorker(t, engine)

	in.TryPut(testSentence(" Bye.", 0))
	collect(t, out, 1)

	if got := engine.SynthesizeCalls[0].Text; got != "Bye." {
		t.Errorf("synthesized text = %q, want %q", got, "Bye.")
	}
}

func TestWorker_WhitespaceOnlySentenceSkipped(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}}}
	in, out := startWorker(t, engine)

	in.TryPut(testSentence("   ", 0))
	in.TryPut(testSentence("Real.", 1))

	c := collect(t, out, 1)[0]
	if c.SentenceIndex != 1 {
		t.Errorf("first chunk sentence index = %d, want 1", c.SentenceIndex)
	}
	if len(engine.SynthesizeCalls) != 1 {
		t.Errorf("synthesis calls = %d, want 1", len(engine.SynthesizeCalls))
	}
}

func TestWorker_SynthesisErrorSkipsSentence(t *testing.T) {
	t.Parallel()

	// The first sentence fails; the pipeline continues with the next one and
	// no premature sentinel appears.
	engine := &ttsmock.Provider{}
	engine.SynthesizeFunc = func(ctx context.Context, text string, _ types.VoiceProfile) (<-chan []byte, error) {
		if text == "Broken." {
			return nil, errors.New("synthesis backend unavailable")
		}
		ch := make(chan []byte, 1)
		ch <- []byte{1, 2}
		close(ch)
		return ch, nil
	}
	in, out := startWorker(t, engine)

	in.TryPut(testSentence("Broken.", 0))
	in.TryPut(testSentence("Fine.", 1))

	c := collect(t, out, 1)[0]
	if c.SentenceIndex != 1 || c.IsFinal {
		t.Errorf("got chunk for sentence %d (final %v), want non-final sentence 1", c.SentenceIndex, c.IsFinal)
	}
}

func TestWorker_MisalignedPCMDropped(t *testing.T) {
	t.Parallel()

	// Odd byte counts cannot be int16 samples; the converter rejects them and
	// the worker moves on.
	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2, 3}}}
	in, out := startWorker(t, engine)

	in.TryPut(testSentence("Glitch.", 0))
	in.TryPut(Sentence{MessageID: "m1", SentenceIndex: 1, IsFinal: true})

	c := collect(t, out, 1)[0]
	if !c.IsFinal {
		t.Errorf("expected only the sentinel, got chunk %+v", c)
	}
}

func TestWorker_ResamplesToTargetRate(t *testing.T) {
	t.Parallel()

	// A 48 kHz voice downsampled to 24 kHz halves the sample count.
	engine := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 8)}}
	in, out := startWorker(t, engine)

	s := testSentence("Hello.", 0)
	s.Voice.SampleRate = 2 * DefaultSampleRate
	in.TryPut(s)

	c := collect(t, out, 1)[0]
	if len(c.PCM) != 4 {
		t.Errorf("resampled PCM length = %d, want 4", len(c.PCM))
	}
	if c.SampleRate != DefaultSampleRate {
		t.Errorf("chunk sample rate = %d, want %d", c.SampleRate, DefaultSampleRate)
	}
}
