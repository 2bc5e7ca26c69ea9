package session

import (
	"context"
	"fmt"

	"github.com/troupelabs/troupe/internal/protocol"
	"github.com/troupelabs/troupe/pkg/provider/stt"
)

// stableConfidence is the partial-transcript confidence at or above which
// the text is unlikely to be revised; such partials are reported as
// transcription_stabilized instead of transcription_update.
const stableConfidence = 0.85

// startListening opens an STT stream and begins forwarding transcripts to
// the client. A second start while a stream is open is a no-op.
func (s *Session) startListening(ctx context.Context) error {
	if s.stt == nil {
		return fmt.Errorf("session: no stt provider configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening != nil {
		return nil
	}

	handle, err := s.stt.StartStream(ctx, s.sttCfg)
	if err != nil {
		return fmt.Errorf("session: start stt stream: %w", err)
	}
	s.listening = handle

	// The pump outlives ctx cancellation of the triggering frame; it stops
	// when the handle's channels close.
	pumpCtx := context.WithoutCancel(ctx)
	s.listenWG.Add(1)
	go s.pumpTranscripts(pumpCtx, handle)

	s.log.Info("listening started",
		"sample_rate", s.sttCfg.SampleRate,
		"language", s.sttCfg.Language)
	return nil
}

// stopListening closes the active STT stream and waits for the transcript
// pump to drain. Safe to call with no stream open.
func (s *Session) stopListening() {
	s.mu.Lock()
	handle := s.listening
	s.listening = nil
	s.mu.Unlock()
	if handle == nil {
		return
	}

	if err := handle.Close(); err != nil {
		s.log.Warn("stt stream close failed", "error", err)
	}
	s.listenWG.Wait()
	s.log.Info("listening stopped")
}

// pumpTranscripts forwards STT output until both transcript channels close.
// Partials become transcription_update messages (or transcription_stabilized
// once the recogniser is confident the text will not change); finals become
// transcription_finished and are enqueued as user messages so that speech
// drives turns exactly like typed text.
func (s *Session) pumpTranscripts(ctx context.Context, handle stt.SessionHandle) {
	defer s.listenWG.Done()

	partials, finals := handle.Partials(), handle.Finals()
	for partials != nil || finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			msgType := protocol.TypeTranscriptionUpdate
			if tr.Confidence >= stableConfidence {
				msgType = protocol.TypeTranscriptionStabilized
			}
			if err := s.transport.SendJSON(ctx, msgType, protocol.Transcription{Text: tr.Text}); err != nil {
				s.log.Warn("transcription send failed", "type", msgType, "error", err)
			}
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if err := s.transport.SendJSON(ctx, protocol.TypeTranscriptionFinished, protocol.Transcription{Text: tr.Text}); err != nil {
				s.log.Warn("transcription_finished send failed", "error", err)
			}
			s.submitUserText(tr.Text)
		}
	}
}
