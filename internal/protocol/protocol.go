// Package protocol defines the JSON wire messages exchanged with a Troupe
// client over the websocket channel.
//
// Every JSON message is an Envelope: a "type" discriminator plus a nested
// "data" object. Binary frames (PCM audio in both directions) travel outside
// the envelope: outbound, each audio_chunk message is immediately followed by
// one binary frame holding that chunk's PCM payload; inbound, binary frames
// are raw microphone PCM for the STT collaborator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators, outbound (server → client).
const (
	TypeTextStreamStart  = "text_stream_start"
	TypeTextChunk        = "text_chunk"
	TypeTextStreamStop   = "text_stream_stop"
	TypeAudioStreamStart = "audio_stream_start"
	TypeAudioChunk       = "audio_chunk"
	TypeAudioStreamStop  = "audio_stream_stop"
	TypeInterruptAck     = "interrupt_ack"

	TypeTranscriptionUpdate     = "transcription_update"
	TypeTranscriptionStabilized = "transcription_stabilized"
	TypeTranscriptionFinished   = "transcription_finished"

	TypePong = "pong"
)

// Message type discriminators, inbound (client → server).
const (
	TypeUserMessage    = "user_message"
	TypeInterrupt      = "interrupt"
	TypePing           = "ping"
	TypeStartListening = "start_listening"
	TypeStopListening  = "stop_listening"
	TypeModelSettings  = "model_settings"
)

// Envelope is the framing for every JSON message on the client channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ---- Outbound payloads ----

// TextStreamStart announces the beginning of one character's text reply.
type TextStreamStart struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
}

// TextChunk carries an incremental text delta for a character's reply.
// The terminal chunk has empty Text and IsFinal set.
type TextChunk struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	Text          string `json:"text"`
	IsFinal       bool   `json:"is_final"`
}

// TextStreamStop closes one character's text reply and carries the full
// accumulated text.
type TextStreamStop struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	Text          string `json:"text"`
}

// AudioStreamStart announces the beginning of one character's audio stream.
type AudioStreamStart struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	SpeakerIndex  int    `json:"speaker_index"`
	SampleRate    int    `json:"sample_rate"`
}

// AudioChunk is the metadata message preceding one binary PCM frame.
type AudioChunk struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	SpeakerIndex  int    `json:"speaker_index"`
	SentenceIndex int    `json:"sentence_index"`
	ChunkIndex    int    `json:"chunk_index"`
}

// AudioStreamStop closes one character's audio stream.
type AudioStreamStop struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	SpeakerIndex  int    `json:"speaker_index"`
}

// InterruptAck confirms that a client interrupt was observed and the pipeline
// was drained. It has no fields.
type InterruptAck struct{}

// Transcription carries STT text passed through to the client. The same shape
// serves transcription_update, transcription_stabilized, and
// transcription_finished.
type Transcription struct {
	Text string `json:"text"`
}

// Pong answers a client ping. It has no fields.
type Pong struct{}

// ---- Inbound payloads ----

// UserMessage is a text-mode user message, equivalent to an STT final result.
type UserMessage struct {
	Text string `json:"text"`
}

// ModelSettings adjusts the LLM collaborator's generation parameters for
// subsequent turns. Zero values leave the current setting unchanged.
type ModelSettings struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ---- Encoding helpers ----

// Marshal wraps payload in an Envelope with the given type and returns the
// encoded JSON bytes.
func Marshal(msgType string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
		data = b
	}
	b, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", msgType, err)
	}
	return b, nil
}

// Unmarshal decodes an Envelope from raw JSON bytes.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing type")
	}
	return env, nil
}

// DecodeData decodes env.Data into dst. A missing data object decodes into
// the zero value.
func DecodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("protocol: decode %s data: %w", env.Type, err)
	}
	return nil
}
