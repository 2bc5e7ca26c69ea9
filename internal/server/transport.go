package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/troupelabs/troupe/internal/pipeline"
	"github.com/troupelabs/troupe/internal/protocol"
)

// wsTransport adapts a websocket connection to the pipeline's Transport.
// The write mutex keeps an audio_chunk metadata message and its binary PCM
// frame adjacent on the wire even when several goroutines send concurrently.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// SendJSON wraps payload in a protocol envelope and writes it as one text
// frame.
func (t *wsTransport) SendJSON(ctx context.Context, msgType string, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write %s: %w", msgType, err)
	}
	return nil
}

// SendBinary writes one binary frame.
func (t *wsTransport) SendBinary(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("server: write binary frame: %w", err)
	}
	return nil
}

var _ pipeline.Transport = (*wsTransport)(nil)
