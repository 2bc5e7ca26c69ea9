// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, Google
// Cloud TTS, or a local Piper instance) and presents a uniform per-sentence
// streaming interface. The primary entry point is Synthesize, which accepts a
// complete sentence and returns a channel of raw PCM audio bytes as they
// become available — enabling low-latency pipelining between sentence
// segmentation and audio delivery.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/troupelabs/troupe/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., several character voices pre-rendering at once).
type Provider interface {
	// Synthesize renders one complete sentence to speech and returns a channel
	// that emits raw PCM audio byte slices as they are synthesised. The caller
	// receives the first chunk as soon as the backend produces it, without
	// waiting for the full sentence to render.
	//
	// The returned audio channel is closed by the implementation when the
	// sentence has been fully synthesised or when ctx is cancelled. The caller
	// must drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// voice specifies the voice profile to use. Providers should return an
	// error if the requested voice is not available.
	//
	// Returns a non-nil error only if synthesis cannot be started. Errors
	// encountered mid-synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
