package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// writeFrames serializes a multipart message as a single JSON array of
// base64-encoded frames and writes it as one binary websocket message, so
// the logical message stays atomic on the wire without needing a
// length-prefixed framing scheme of our own.
func writeFrames(ctx context.Context, ws *websocket.Conn, frames [][]byte) error {
	encoded := make([]string, len(frames))
	for i, f := range frames {
		encoded[i] = base64.StdEncoding.EncodeToString(f)
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("transport: marshal frames: %w", err)
	}
	return ws.Write(ctx, websocket.MessageBinary, body)
}

// ReadFrames blocks for the next multipart message on ws and decodes it
// back into its constituent frames.
func ReadFrames(ctx context.Context, ws *websocket.Conn) ([][]byte, error) {
	_, body, err := ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	var encoded []string
	if err := json.Unmarshal(body, &encoded); err != nil {
		return nil, fmt.Errorf("transport: decode frames: %w", err)
	}
	frames := make([][]byte, len(encoded))
	for i, e := range encoded {
		f, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("transport: decode frame %d: %w", i, err)
		}
		frames[i] = f
	}
	return frames, nil
}
