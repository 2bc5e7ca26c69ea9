package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/troupelabs/troupe/internal/observe"
	"github.com/troupelabs/troupe/internal/protocol"
	"github.com/troupelabs/troupe/pkg/provider/llm"
	"github.com/troupelabs/troupe/pkg/types"
)

// ResolvedCharacter is one addressed character, in mention order, as returned
// by the catalog.
type ResolvedCharacter struct {
	ID           string
	Name         string
	Voice        types.VoiceProfile
	SystemPrompt string
}

// CharacterResolver parses a user message and returns the addressed
// characters in the order they were mentioned.
type CharacterResolver interface {
	Resolve(message string) []ResolvedCharacter
}

// History is the conversation transcript the orchestrator builds prompts
// from and appends turn results to.
type History interface {
	Messages(ctx context.Context) ([]types.Message, error)
	Append(ctx context.Context, msg types.Message) error
}

// Orchestrator is the session-lifetime task that turns ingress messages into
// turns. For each message it resolves the addressed characters, streams each
// character's LLM reply strictly in order, segments the token stream into
// sentences, and feeds the sentence queue. It owns the turn's cancellation
// context and serialises turns: a new ingress message is accepted only after
// the previous turn's last sentinel has been enqueued.
type Orchestrator struct {
	ingress   *Queue[string]
	sentences *Queue[Sentence]
	resolver  CharacterResolver
	provider  llm.Provider
	transport Transport
	history   History
	log       *slog.Logger
	metrics   *observe.Metrics

	settingsMu sync.Mutex
	settings   types.ModelSettings

	mu        sync.Mutex
	turn      *Turn
	live      []*Turn // non-terminal turns, oldest first; audio can outlive runTurn
	turnCount uint64
	nextSeq   uint64
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithHistory sets the conversation history store.
func WithHistory(h History) OrchestratorOption {
	return func(o *Orchestrator) { o.history = h }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithOrchestratorMetrics sets the metrics instance.
func WithOrchestratorMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithModelSettings sets the initial LLM generation settings.
func WithModelSettings(s types.ModelSettings) OrchestratorOption {
	return func(o *Orchestrator) { o.settings = s }
}

// NewOrchestrator creates an orchestrator reading from ingress and producing
// into sentences.
func NewOrchestrator(
	ingress *Queue[string],
	sentences *Queue[Sentence],
	resolver CharacterResolver,
	provider llm.Provider,
	transport Transport,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		ingress:   ingress,
		sentences: sentences,
		resolver:  resolver,
		provider:  provider,
		transport: transport,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run loops on the ingress queue until ctx is cancelled, driving one turn at
// a time.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		msg, err := o.ingress.Get(ctx)
		if err != nil {
			return nil
		}
		o.metrics.QueueDepth.Add(ctx, -1, metric.WithAttributes(observe.Attr("queue", "ingress")))
		if strings.TrimSpace(msg) == "" {
			continue
		}
		o.runTurn(ctx, msg)
	}
}

// CurrentTurn returns the most recent turn, or nil before the first one.
func (o *Orchestrator) CurrentTurn() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn
}

// NextSpeakerSeq reports the next SpeakerSeq the orchestrator will allocate.
// After cancelling a turn, resetting the streamer to this watermark guarantees
// every chunk still in flight from the cancelled turn is discarded.
func (o *Orchestrator) NextSpeakerSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextSeq
}

// CancelActiveTurn cancels the in-flight turn, if any, and returns a channel
// that is closed once the orchestrator has unwound it. Returns nil when no
// turn has started yet. Safe to call from any goroutine.
func (o *Orchestrator) CancelActiveTurn() <-chan struct{} {
	o.mu.Lock()
	t := o.turn
	live := append([]*Turn(nil), o.live...)
	o.mu.Unlock()
	if t == nil {
		return nil
	}
	t.cancel()
	// Earlier turns whose audio was still draining can never complete once
	// the session drains the queues; close them out with the interrupt.
	for _, lt := range live {
		o.finishTurn(lt, TurnCancelled)
	}
	o.finishTurn(t, TurnCancelled)
	return t.done
}

// UpdateSettings merges non-zero generation settings for subsequent turns.
func (o *Orchestrator) UpdateSettings(s types.ModelSettings) {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	if s.Model != "" {
		o.settings.Model = s.Model
	}
	if s.Temperature != 0 {
		o.settings.Temperature = s.Temperature
	}
	if s.MaxTokens != 0 {
		o.settings.MaxTokens = s.MaxTokens
	}
}

// ObserveAudioEvent is wired as the streamer's event hook. It tracks the
// observational tail of the turn lifecycle: Streaming once audio starts
// flowing, Complete once the final speaker's audio_stream_stop is out. The
// chunk's SpeakerSeq identifies the owning turn, which may no longer be the
// current one — a turn's audio keeps draining while the next turn's LLM
// streaming is already under way.
func (o *Orchestrator) ObserveAudioEvent(msgType string, c AudioChunk) {
	o.mu.Lock()
	var t *Turn
	for _, lt := range o.live {
		if lt.containsSeq(c.SpeakerSeq) {
			t = lt
			break
		}
	}
	o.mu.Unlock()
	if t == nil {
		return
	}

	switch msgType {
	case protocol.TypeAudioStreamStart:
		t.advance(TurnStreaming)
	case protocol.TypeAudioStreamStop:
		if c.SpeakerSeq == t.lastSeq() {
			o.finishTurn(t, TurnComplete)
		}
	}
}

// finishTurn moves t into a terminal state exactly once, dropping it from the
// live list and recording the turn metric on the winning transition.
func (o *Orchestrator) finishTurn(t *Turn, final TurnState) {
	if !t.finish(final) {
		return
	}
	o.mu.Lock()
	for i, lt := range o.live {
		if lt == t {
			o.live = append(o.live[:i], o.live[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	outcome := "complete"
	if final == TurnCancelled {
		outcome = "cancelled"
	}
	o.metrics.RecordTurn(context.Background(), outcome, t.Age().Seconds())
	o.log.Info("turn finished",
		"turn", t.Number,
		"outcome", outcome,
		"speakers", t.Speakers,
		"duration", t.Age(),
	)
}

// runTurn drives one complete turn for msg.
func (o *Orchestrator) runTurn(ctx context.Context, msg string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chars := o.resolver.Resolve(msg)

	o.mu.Lock()
	o.turnCount++
	t := newTurn(o.turnCount, o.nextSeq, len(chars), cancel)
	o.nextSeq += uint64(len(chars))
	o.turn = t
	o.live = append(o.live, t)
	o.mu.Unlock()
	defer close(t.done)

	if len(chars) == 0 {
		o.log.Debug("message addressed no characters", "turn", t.Number)
		o.finishTurn(t, TurnComplete)
		return
	}

	t.advance(TurnLLM)
	o.log.Info("turn started", "turn", t.Number, "speakers", len(chars))

	msgs := o.loadHistory(turnCtx)
	userMsg := types.Message{Role: "user", Content: msg}
	msgs = append(msgs, userMsg)
	o.appendHistory(turnCtx, userMsg)

	for i, char := range chars {
		seq := t.FirstSeq + uint64(i)
		reply, err := o.streamCharacter(turnCtx, char, i, seq, msgs)
		if err != nil {
			// Cancellation (interrupt or disconnect): abandon the remaining
			// characters; sentinels for yet-to-start speakers are never
			// enqueued.
			o.finishTurn(t, TurnCancelled)
			return
		}
		assistantMsg := types.Message{Role: "assistant", Content: reply, Name: char.Name}
		msgs = append(msgs, assistantMsg)
		o.appendHistory(turnCtx, assistantMsg)
	}

	// All sentences and sentinels are enqueued; synthesis and delivery drain
	// through the pipeline while the orchestrator accepts the next message.
	t.advance(TurnTTS)
}

// streamCharacter streams one character's reply: text_stream_start, one
// sentence at a time into the sentence queue (each mirrored as a text_chunk),
// the end-of-speaker sentinel, and text_stream_stop with the accumulated
// text. An LLM failure truncates the reply but still terminates the stream
// cleanly; only cancellation returns an error.
func (o *Orchestrator) streamCharacter(
	ctx context.Context,
	char ResolvedCharacter,
	speakerIndex int,
	speakerSeq uint64,
	history []types.Message,
) (string, error) {
	messageID := uuid.NewString()

	err := o.transport.SendJSON(ctx, protocol.TypeTextStreamStart, protocol.TextStreamStart{
		CharacterID:   char.ID,
		CharacterName: char.Name,
		MessageID:     messageID,
	})
	if err != nil {
		return "", err
	}

	var full strings.Builder
	seg := NewSegmenter()
	sentenceIndex := 0

	emit := func(text string) error {
		err := o.putSentence(ctx, Sentence{
			Text:          text,
			SentenceIndex: sentenceIndex,
			MessageID:     messageID,
			CharacterID:   char.ID,
			CharacterName: char.Name,
			Voice:         char.Voice,
			SpeakerIndex:  speakerIndex,
			SpeakerSeq:    speakerSeq,
		})
		if err != nil {
			return err
		}
		sentenceIndex++
		o.metrics.RecordSentence(ctx, char.ID)
		return o.transport.SendJSON(ctx, protocol.TypeTextChunk, protocol.TextChunk{
			CharacterID:   char.ID,
			CharacterName: char.Name,
			MessageID:     messageID,
			Text:          text,
		})
	}

	requestStart := time.Now()
	stream, err := o.provider.StreamCompletion(ctx, o.buildRequest(char, history))
	if err != nil {
		o.log.Error("llm stream failed to start, truncating reply",
			"character_id", char.ID, "error", err)
		o.metrics.RecordProviderError(ctx, "llm", "start")
		stream = nil
	}

	firstToken := true
	if stream != nil {
	tokens:
		for chunk := range stream {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if chunk.FinishReason == "error" {
				o.log.Error("llm stream failed mid-reply, truncating",
					"character_id", char.ID, "detail", chunk.Text)
				o.metrics.RecordProviderError(ctx, "llm", "stream")
				break tokens
			}
			if chunk.Text == "" {
				continue
			}
			if firstToken {
				o.metrics.LLMFirstToken.Record(ctx, time.Since(requestStart).Seconds())
				firstToken = false
			}
			full.WriteString(chunk.Text)
			for _, sentence := range seg.Push(chunk.Text) {
				if err := emit(sentence); err != nil {
					return "", err
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if rest := seg.Flush(); strings.TrimSpace(rest) != "" {
		if err := emit(rest); err != nil {
			return "", err
		}
	}

	// End-of-speaker sentinel: the TTS worker forwards it to the audio queue
	// and the scheduler advances on it.
	err = o.putSentence(ctx, Sentence{
		SentenceIndex: sentenceIndex,
		MessageID:     messageID,
		CharacterID:   char.ID,
		CharacterName: char.Name,
		SpeakerIndex:  speakerIndex,
		SpeakerSeq:    speakerSeq,
		IsFinal:       true,
	})
	if err != nil {
		return "", err
	}

	err = o.transport.SendJSON(ctx, protocol.TypeTextChunk, protocol.TextChunk{
		CharacterID:   char.ID,
		CharacterName: char.Name,
		MessageID:     messageID,
		IsFinal:       true,
	})
	if err != nil {
		return "", err
	}
	err = o.transport.SendJSON(ctx, protocol.TypeTextStreamStop, protocol.TextStreamStop{
		CharacterID:   char.ID,
		CharacterName: char.Name,
		MessageID:     messageID,
		Text:          full.String(),
	})
	if err != nil {
		return "", err
	}
	return full.String(), nil
}

func (o *Orchestrator) putSentence(ctx context.Context, s Sentence) error {
	if err := o.sentences.Put(ctx, s); err != nil {
		return err
	}
	o.metrics.QueueDepth.Add(ctx, 1, metric.WithAttributes(observe.Attr("queue", "sentence")))
	return nil
}

func (o *Orchestrator) buildRequest(char ResolvedCharacter, history []types.Message) llm.CompletionRequest {
	s := o.settingsSnapshot()
	return llm.CompletionRequest{
		Messages:     history,
		SystemPrompt: char.SystemPrompt,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}
}

func (o *Orchestrator) settingsSnapshot() types.ModelSettings {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	return o.settings
}

func (o *Orchestrator) loadHistory(ctx context.Context) []types.Message {
	if o.history == nil {
		return nil
	}
	msgs, err := o.history.Messages(ctx)
	if err != nil {
		o.log.Warn("loading conversation history failed, continuing without", "error", err)
		return nil
	}
	return msgs
}

func (o *Orchestrator) appendHistory(ctx context.Context, msg types.Message) {
	if o.history == nil {
		return
	}
	if err := o.history.Append(ctx, msg); err != nil {
		o.log.Warn("appending to conversation history failed", "error", err)
	}
}
