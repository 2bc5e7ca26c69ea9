package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/troupelabs/troupe/internal/observe"
	audiofmt "github.com/troupelabs/troupe/pkg/audio"
	"github.com/troupelabs/troupe/pkg/provider/tts"
)

// Worker is the session-lifetime consumer of the sentence queue. It hands
// each sentence to the TTS engine, normalises the returned PCM to the target
// format, and streams the chunks into the audio queue. End-of-speaker
// sentinels pass through unchanged.
//
// The worker knows nothing about turns. A failed sentence is logged and
// skipped — the speaker's sentinel still arrives through the sentence queue
// and keeps the scheduler advancing.
type Worker struct {
	sentences *Queue[Sentence]
	audio     *Queue[AudioChunk]
	engine    tts.Provider
	target    audiofmt.Format
	log       *slog.Logger
	metrics   *observe.Metrics
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// WithWorkerMetrics sets the metrics instance.
func WithWorkerMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithTargetFormat overrides the PCM format delivered to the client.
func WithTargetFormat(f audiofmt.Format) WorkerOption {
	return func(w *Worker) { w.target = f }
}

// NewWorker creates a worker moving sentences from sentences to audio via
// engine.
func NewWorker(sentences *Queue[Sentence], audio *Queue[AudioChunk], engine tts.Provider, opts ...WorkerOption) *Worker {
	w := &Worker{
		sentences: sentences,
		audio:     audio,
		engine:    engine,
		target:    audiofmt.Format{SampleRate: DefaultSampleRate, Channels: 1},
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run loops on the sentence queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		s, err := w.sentences.Get(ctx)
		if err != nil {
			return nil
		}
		w.metrics.QueueDepth.Add(ctx, -1, metric.WithAttributes(observe.Attr("queue", "sentence")))

		if s.IsFinal {
			if err := w.putChunk(ctx, AudioChunk{
				SentenceIndex: s.SentenceIndex,
				MessageID:     s.MessageID,
				CharacterID:   s.CharacterID,
				CharacterName: s.CharacterName,
				SpeakerIndex:  s.SpeakerIndex,
				SpeakerSeq:    s.SpeakerSeq,
				SampleRate:    w.target.SampleRate,
				IsFinal:       true,
			}); err != nil {
				return nil
			}
			continue
		}

		if err := w.synthesize(ctx, s); err != nil {
			return nil
		}
	}
}

// synthesize runs one sentence through the TTS engine. A synthesis error
// drops the sentence and returns nil; only a cancelled context propagates.
func (w *Worker) synthesize(ctx context.Context, s Sentence) error {
	text := strings.TrimSpace(s.Text)
	if text == "" {
		return nil
	}

	start := time.Now()
	chunks, err := w.engine.Synthesize(ctx, text, s.Voice)
	if err != nil {
		w.log.Error("tts synthesis failed, skipping sentence",
			"character_id", s.CharacterID,
			"sentence_index", s.SentenceIndex,
			"error", err,
		)
		w.metrics.TTSSentenceErrors.Add(ctx, 1)
		w.metrics.RecordProviderError(ctx, s.Voice.Provider, "tts")
		return nil
	}

	conv := &audiofmt.FormatConverter{Target: w.target}
	src := audiofmt.Format{SampleRate: s.Voice.SampleRate, Channels: 1}
	if src.SampleRate == 0 {
		src.SampleRate = w.target.SampleRate
	}

	first := true
	idx := 0
	for pcm := range chunks {
		if first {
			w.metrics.TTSFirstChunk.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		out := conv.ConvertPCM(pcm, src)
		if len(out) == 0 {
			continue
		}
		err := w.putChunk(ctx, AudioChunk{
			PCM:           out,
			SentenceIndex: s.SentenceIndex,
			ChunkIndex:    idx,
			MessageID:     s.MessageID,
			CharacterID:   s.CharacterID,
			CharacterName: s.CharacterName,
			SpeakerIndex:  s.SpeakerIndex,
			SpeakerSeq:    s.SpeakerSeq,
			SampleRate:    w.target.SampleRate,
		})
		if err != nil {
			// Session teardown: unblock the engine's producer goroutine.
			go audiofmt.Drain(chunks)
			return err
		}
		idx++
	}
	return nil
}

func (w *Worker) putChunk(ctx context.Context, c AudioChunk) error {
	if err := w.audio.Put(ctx, c); err != nil {
		return err
	}
	w.metrics.QueueDepth.Add(ctx, 1, metric.WithAttributes(observe.Attr("queue", "audio")))
	return nil
}
