// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// whisper.cpp transcribes in batch: its server exposes POST /inference and
// has no streaming session concept. The provider bridges that gap for the
// conversation pipeline by buffering microphone PCM, cutting an utterance
// when enough trailing silence accumulates, and submitting each utterance as
// one inference call. Every committed utterance surfaces as a partial and a
// final carrying the same text, so client activity indicators keep working
// even though a batch engine cannot produce true low-latency partials.
//
// Keyword boosting: whisper.cpp has no boost API, but the initial prompt of
// an inference call biases decoding toward the vocabulary it contains.
// SetKeywords and StreamConfig.Keywords therefore feed the character names
// into the prompt of every call, which keeps the recogniser from mangling
// names like "Grimjaw" into common words.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/troupelabs/troupe/pkg/provider/stt"
	"github.com/troupelabs/troupe/pkg/types"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultEnergyThreshold is the normalised RMS (0..1 scale) below which
	// a chunk counts as silence. 0.009 is near-silence for typical
	// microphone gain.
	defaultEnergyThreshold = 0.009

	// defaultHangoverMs is the trailing silence that ends an utterance.
	defaultHangoverMs = 500

	// defaultMaxUtteranceMs force-commits during continuous speech so the
	// utterance buffer cannot grow without bound.
	defaultMaxUtteranceMs = 10_000

	audioQueueDepth   = 256
	transcriptBacklog = 64

	// finalCommitTimeout bounds the last inference call issued while the
	// stream is shutting down.
	finalCommitTimeout = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.
// "base.en", "small"). Empty keeps whichever model the server was started
// with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the recognition language code (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the PCM sample rate in Hz assumed when a stream's
// config does not specify one. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEnergyThreshold sets the normalised RMS level (0..1) separating speech
// from silence.
func WithEnergyThreshold(rms float64) Option {
	return func(p *Provider) { p.energyThreshold = rms }
}

// WithSilenceThresholdMs sets how much trailing silence, in milliseconds,
// ends an utterance. Shorter values commit sooner at the risk of splitting a
// sentence across two inference calls. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.hangoverMs = ms }
}

// WithMaxBufferDurationMs caps how much audio, in milliseconds, may
// accumulate before an utterance is committed regardless of silence.
// Defaults to 10 s.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxUtteranceMs = ms }
}

// Provider implements stt.Provider against a whisper.cpp server. Streams are
// independent; each runs its own buffering goroutine.
type Provider struct {
	serverURL       string
	model           string
	language        string
	sampleRate      int
	energyThreshold float64
	hangoverMs      int
	maxUtteranceMs  int
	client          *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL (e.g.
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:       strings.TrimRight(serverURL, "/"),
		language:        defaultLanguage,
		sampleRate:      defaultSampleRate,
		energyThreshold: defaultEnergyThreshold,
		hangoverMs:      defaultHangoverMs,
		maxUtteranceMs:  defaultMaxUtteranceMs,
		client:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a transcription stream. The handle accepts audio
// immediately; no network traffic happens before the first utterance
// commits. cfg.Keywords seeds the prompt hint applied to every inference
// call.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	s := &stream{
		serverURL:       p.serverURL,
		model:           p.model,
		language:        lang,
		sampleRate:      rate,
		channels:        channels,
		energyThreshold: p.energyThreshold,
		hangoverMs:      p.hangoverMs,
		maxUtteranceMs:  p.maxUtteranceMs,
		client:          p.client,
		keywords:        append([]stt.KeywordBoost(nil), cfg.Keywords...),
		audio:           make(chan []byte, audioQueueDepth),
		partials:        make(chan types.Transcript, transcriptBacklog),
		finals:          make(chan types.Transcript, transcriptBacklog),
		closed:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// stream is one live transcription session. All buffer state lives in the
// run goroutine; only the keyword set is shared and mutex-guarded.
type stream struct {
	serverURL       string
	model           string
	language        string
	sampleRate      int
	channels        int
	energyThreshold float64
	hangoverMs      int
	maxUtteranceMs  int
	client          *http.Client

	kwMu     sync.Mutex
	keywords []stt.KeywordBoost

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// SendAudio queues one chunk of 16-bit little-endian PCM. The chunk's sample
// rate and channel count must match the stream config. Returns an error once
// the stream is closed.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closed:
		return errors.New("whisper: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closed:
		return errors.New("whisper: stream is closed")
	}
}

// Partials emits one interim transcript per committed utterance, paired with
// its final. Closed when the stream ends.
func (s *stream) Partials() <-chan types.Transcript { return s.partials }

// Finals emits the authoritative transcript of each utterance. Closed when
// the stream ends.
func (s *stream) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords replaces the vocabulary fed into the prompt of subsequent
// inference calls. Boost weights have no server-side equivalent and are
// ignored; presence in the prompt is the boost.
func (s *stream) SetKeywords(kws []stt.KeywordBoost) error {
	s.kwMu.Lock()
	s.keywords = append([]stt.KeywordBoost(nil), kws...)
	s.kwMu.Unlock()
	return nil
}

// Close commits any buffered speech as a last utterance, closes both
// transcript channels, and releases the stream. Idempotent.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
	return nil
}

// promptHint joins the current keyword set into the inference prompt.
func (s *stream) promptHint() string {
	s.kwMu.Lock()
	defer s.kwMu.Unlock()
	names := make([]string, 0, len(s.keywords))
	for _, kw := range s.keywords {
		if kw.Keyword != "" {
			names = append(names, kw.Keyword)
		}
	}
	return strings.Join(names, ", ")
}

// run owns the utterance buffer: it gates chunks on energy, appends speech
// (and embedded pauses) to the buffer, and commits once the trailing silence
// reaches the hangover or the buffer hits its duration cap.
func (s *stream) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		utterance  []byte
		voiced     bool
		trailingMs int
	)

	bytesPerMs := s.sampleRate * s.channels * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBytes := s.maxUtteranceMs * bytesPerMs

	commit := func(cctx context.Context) {
		if !voiced || len(utterance) == 0 {
			utterance, voiced, trailingMs = nil, false, 0
			return
		}
		pcm := utterance
		utterance, voiced, trailingMs = nil, false, 0

		text, err := s.transcribe(cctx, pcm)
		if err != nil || text == "" {
			return
		}
		// Non-blocking: if the consumer fell this far behind, dropping beats
		// deadlocking shutdown.
		select {
		case s.partials <- types.Transcript{Text: text}:
		default:
		}
		select {
		case s.finals <- types.Transcript{Text: text, IsFinal: true}:
		default:
		}
	}

	ingest := func(cctx context.Context, chunk []byte) {
		energy := rmsEnergy(pcmToFloat32Mono(chunk, s.channels))
		ms := len(chunk) / bytesPerMs

		if energy < s.energyThreshold {
			if !voiced {
				return // leading silence is discarded
			}
			utterance = append(utterance, chunk...)
			trailingMs += ms
			if trailingMs >= s.hangoverMs {
				commit(cctx)
			}
			return
		}

		voiced = true
		trailingMs = 0
		utterance = append(utterance, chunk...)
		if maxBytes > 0 && len(utterance) >= maxBytes {
			commit(cctx)
		}
	}

	// The caller's ctx may already be gone at shutdown; audio queued before
	// the stream closed and the last utterance still deserve processing.
	finalCommit := func() {
		fctx, cancel := context.WithTimeout(context.Background(), finalCommitTimeout)
		defer cancel()
		for {
			select {
			case chunk := <-s.audio:
				ingest(fctx, chunk)
			default:
				commit(fctx)
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			finalCommit()
			return
		case <-s.closed:
			finalCommit()
			return
		case chunk := <-s.audio:
			ingest(ctx, chunk)
		}
	}
}

// transcribe wraps pcm in a WAV container and POSTs it to /inference as
// multipart form data, together with the language, model, and keyword
// prompt hints.
func (s *stream) transcribe(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	if _, err := fw.Write(wavContainer(pcm, s.sampleRate, s.channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}

	fields := map[string]string{
		"language": s.language,
		"model":    s.model,
		"prompt":   s.promptHint(),
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// rmsEnergy returns the root-mean-square of normalised samples, 0 for an
// empty slice.
func rmsEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// wavContainer wraps raw 16-bit little-endian PCM in a RIFF/WAV header, the
// upload format the whisper.cpp server expects.
func wavContainer(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
