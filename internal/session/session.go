// Package session ties one connected client to a running conversation
// pipeline. A Session owns the three bounded queues, the orchestrator, the
// TTS worker, and the audio streamer, supervises them for the lifetime of
// the connection, and dispatches inbound client messages: user text, voice
// control, interrupts, pings, and model settings.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/troupelabs/troupe/internal/observe"
	"github.com/troupelabs/troupe/internal/pipeline"
	"github.com/troupelabs/troupe/internal/protocol"
	"github.com/troupelabs/troupe/pkg/provider/llm"
	"github.com/troupelabs/troupe/pkg/provider/stt"
	"github.com/troupelabs/troupe/pkg/provider/tts"
	"github.com/troupelabs/troupe/pkg/types"
)

// Config carries the collaborators and tunables for a new Session.
type Config struct {
	// Resolver maps a user message to the addressed characters.
	Resolver pipeline.CharacterResolver

	// LLM generates character replies.
	LLM llm.Provider

	// TTS synthesizes sentence audio.
	TTS tts.Provider

	// STT transcribes microphone audio. Optional; without it the voice
	// control messages are rejected and the session is text-only.
	STT stt.Provider

	// History persists the conversation transcript. Optional.
	History pipeline.History

	// Settings are the initial LLM generation parameters.
	Settings types.ModelSettings

	// QueueCap bounds each pipeline queue. Zero selects
	// [pipeline.DefaultQueueCap].
	QueueCap int

	// STTConfig is the stream configuration used when the client starts
	// listening. Zero-value fields get sensible defaults (16 kHz mono).
	STTConfig stt.StreamConfig

	// Logger receives session lifecycle and dispatch logs. Nil selects
	// slog.Default.
	Logger *slog.Logger

	// Metrics records session counters. Nil selects the global instance.
	Metrics *observe.Metrics
}

// Session is the per-connection conversation runtime.
type Session struct {
	id        string
	transport pipeline.Transport
	log       *slog.Logger
	metrics   *observe.Metrics

	ingress   *pipeline.Queue[string]
	sentences *pipeline.Queue[pipeline.Sentence]
	audio     *pipeline.Queue[pipeline.AudioChunk]

	orch     *pipeline.Orchestrator
	worker   *pipeline.Worker
	streamer *pipeline.Streamer

	stt    stt.Provider
	sttCfg stt.StreamConfig

	mu        sync.Mutex
	listening stt.SessionHandle
	listenWG  sync.WaitGroup
}

// New builds a Session over transport. Run must be called before the session
// processes anything.
func New(transport pipeline.Transport, cfg Config) *Session {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = pipeline.DefaultQueueCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.STTConfig.SampleRate == 0 {
		cfg.STTConfig.SampleRate = 16000
	}
	if cfg.STTConfig.Channels == 0 {
		cfg.STTConfig.Channels = 1
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		transport: transport,
		log:       cfg.Logger.With("session_id", id),
		metrics:   cfg.Metrics,
		ingress:   pipeline.NewQueue[string](cfg.QueueCap),
		sentences: pipeline.NewQueue[pipeline.Sentence](cfg.QueueCap),
		audio:     pipeline.NewQueue[pipeline.AudioChunk](cfg.QueueCap),
		stt:       cfg.STT,
		sttCfg:    cfg.STTConfig,
	}

	var orchOpts []pipeline.OrchestratorOption
	orchOpts = append(orchOpts,
		pipeline.WithOrchestratorLogger(s.log),
		pipeline.WithOrchestratorMetrics(cfg.Metrics),
		pipeline.WithModelSettings(cfg.Settings),
	)
	if cfg.History != nil {
		orchOpts = append(orchOpts, pipeline.WithHistory(cfg.History))
	}
	s.orch = pipeline.NewOrchestrator(s.ingress, s.sentences, cfg.Resolver, cfg.LLM, transport, orchOpts...)
	s.worker = pipeline.NewWorker(s.sentences, s.audio, cfg.TTS,
		pipeline.WithWorkerLogger(s.log),
		pipeline.WithWorkerMetrics(cfg.Metrics),
	)
	s.streamer = pipeline.NewStreamer(s.audio, transport, 0,
		pipeline.WithStreamerLogger(s.log),
		pipeline.WithStreamerMetrics(cfg.Metrics),
		pipeline.WithEventHook(s.orch.ObserveAudioEvent),
	)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Run supervises the pipeline workers until ctx is cancelled or a worker
// fails fatally (for example, a transport write error). On cancellation it
// waits up to [pipeline.ShutdownGrace] for the workers to stop and logs a
// leak if they do not.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	s.log.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.orch.Run(gctx) })
	g.Go(func() error { return s.worker.Run(gctx) })
	g.Go(func() error { return s.streamer.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(pipeline.ShutdownGrace):
			s.log.Error("session workers did not stop within grace period",
				"grace", pipeline.ShutdownGrace)
			err = ctx.Err()
		}
	}

	s.stopListening()
	s.log.Info("session stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// HandleMessage dispatches one inbound JSON frame. A non-nil return means
// the session cannot continue (transport failure) and the connection should
// be dropped; malformed client input is logged and tolerated.
func (s *Session) HandleMessage(ctx context.Context, data []byte) error {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		s.log.Warn("dropping malformed client frame", "error", err)
		return nil
	}

	switch env.Type {
	case protocol.TypeUserMessage:
		var msg protocol.UserMessage
		if err := protocol.DecodeData(env, &msg); err != nil {
			s.log.Warn("dropping malformed user_message", "error", err)
			return nil
		}
		s.submitUserText(msg.Text)
		return nil

	case protocol.TypeInterrupt:
		return s.Interrupt(ctx)

	case protocol.TypePing:
		return s.transport.SendJSON(ctx, protocol.TypePong, protocol.Pong{})

	case protocol.TypeStartListening:
		if err := s.startListening(ctx); err != nil {
			s.log.Warn("start_listening failed", "error", err)
		}
		return nil

	case protocol.TypeStopListening:
		s.stopListening()
		return nil

	case protocol.TypeModelSettings:
		var ms protocol.ModelSettings
		if err := protocol.DecodeData(env, &ms); err != nil {
			s.log.Warn("dropping malformed model_settings", "error", err)
			return nil
		}
		s.orch.UpdateSettings(types.ModelSettings{
			Model:       ms.Model,
			Temperature: ms.Temperature,
			MaxTokens:   ms.MaxTokens,
		})
		s.log.Info("model settings updated", "model", ms.Model)
		return nil

	default:
		s.log.Warn("unknown client message type", "type", env.Type)
		return nil
	}
}

// HandleAudio forwards one binary microphone frame to the active STT stream.
// Frames arriving while no stream is open are dropped.
func (s *Session) HandleAudio(_ context.Context, data []byte) error {
	s.mu.Lock()
	handle := s.listening
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	if err := handle.SendAudio(data); err != nil {
		s.log.Warn("stt audio forward failed", "error", err)
	}
	return nil
}

// submitUserText enqueues a user message for the orchestrator. The ingress
// queue is bounded; when the user outruns the pipeline the newest message is
// dropped rather than blocking the read loop.
func (s *Session) submitUserText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if !s.ingress.TryPut(text) {
		s.log.Warn("ingress queue full, dropping user message")
	}
}

// Interrupt stops the active turn and acknowledges once no more of its output
// can reach the client: the turn's goroutine has exited, all three queues are
// drained, and the streamer's schedule window has advanced past the
// cancelled speakers. Exactly one interrupt_ack is sent whether or not a
// turn was active.
func (s *Session) Interrupt(ctx context.Context) error {
	s.streamer.Suppress()

	if done := s.orch.CancelActiveTurn(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("session: interrupt: %w", ctx.Err())
		}
	}

	dropped := s.ingress.Drain() + s.sentences.Drain() + s.audio.Drain()
	s.streamer.Reset(s.orch.NextSpeakerSeq())

	s.metrics.Interrupts.Add(ctx, 1)
	s.log.Info("turn interrupted", "dropped_items", dropped)
	return s.transport.SendJSON(ctx, protocol.TypeInterruptAck, protocol.InterruptAck{})
}
