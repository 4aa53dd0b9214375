// Package envelope implements the controller's wire message format: a
// sequence of routing identities, a delimiter, a signed header, a parent
// header, metadata, content, and raw buffers — the same shape IPython.parallel
// used over ZeroMQ, carried here as plain JSON parts over persistent
// websocket connections instead of multipart ZMQ frames.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
)

// Delimiter marks the boundary between routing identities and the signed
// part of the envelope, mirroring IPython.parallel's b"<IDS|MSG>" marker.
const Delimiter = "<IDS|MSG>"

// Header identifies a single message.
type Header struct {
	MsgID     string `json:"msg_id"`
	MsgType   string `json:"msg_type"`
	Session   string `json:"session"`
	Username  string `json:"username"`
	Date      string `json:"date"`
	Version   string `json:"version"`
}

// NewHeader builds a Header for msgType on the given session, stamped with
// the current time in RFC3339Nano, matching the controller's wire date
// format.
func NewHeader(msgID, msgType, session, username string) Header {
	return Header{
		MsgID:    msgID,
		MsgType:  msgType,
		Session:  session,
		Username: username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  WireVersion,
	}
}

// WireVersion is the envelope format version advertised in every header.
const WireVersion = "1.0"

// SchedulerSubheader augments a submission's metadata with scheduling
// constraints: time dependencies (after), location dependencies (follow),
// a timeout, and an explicit engine filter (targets).
type SchedulerSubheader struct {
	After   []string         `json:"after,omitempty"`
	Follow  *FollowSelector  `json:"follow,omitempty"`
	Timeout *float64         `json:"timeout,omitempty"` // seconds, nil means no timeout
	Targets []string         `json:"targets,omitempty"` // engine_id or routing identity
}

// FollowSelector canonicalizes the location-dependency set. JSON
// unmarshaling accepts either a bare array of msg_ids (defaulting to
// all-of, any status) or the expanded object form.
type FollowSelector struct {
	MsgIDs      []string `json:"msg_ids"`
	All         bool     `json:"all"`
	SuccessOnly bool     `json:"success_only"`
}

// UnmarshalJSON accepts both `["id1","id2"]` and
// `{"msg_ids":[...],"all":bool,"success_only":bool}`.
func (f *FollowSelector) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		f.MsgIDs = ids
		f.All = true
		f.SuccessOnly = false
		return nil
	}
	type alias FollowSelector
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("envelope: decode follow selector: %w", err)
	}
	*f = FollowSelector(a)
	return nil
}

// Envelope is the fully decoded, in-memory form of a wire message.
type Envelope struct {
	RoutingIdentities []string
	Header            Header
	ParentHeader      *Header
	Metadata          map[string]any
	Content           json.RawMessage
	Buffers           [][]byte
}

// wireParts is the JSON-serializable form sent over a connection, one per
// logical message after the routing identities have been consumed by the
// transport's own addressing.
type wireParts struct {
	Signature    string          `json:"signature"`
	Header       json.RawMessage `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      [][]byte        `json:"buffers,omitempty"`
}

// Codec signs, verifies, and (de)serializes envelopes. A Codec with no key
// configured signs with an empty key, which still produces a deterministic
// signature used only for tamper detection, not authentication.
type Codec struct {
	key     []byte
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec builds a Codec. key may be nil, in which case envelopes are
// still signed but with an empty HMAC key — callers that need real
// authentication must supply exec_key bytes.
func NewCodec(key []byte) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("envelope: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: init zstd decoder: %w", err)
	}
	return &Codec{key: key, encoder: enc, decoder: dec}, nil
}

// Encode serializes env into its wire form: one frame per routing identity,
// the delimiter frame, and one JSON frame holding the signature, the four
// JSON parts and the raw buffers. The returned frames are what a transport
// writes as one logical multipart message.
func (c *Codec) Encode(env *Envelope) ([][]byte, error) {
	headerJSON, err := json.Marshal(env.Header)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal header: %w", err)
	}
	parentJSON := []byte("{}")
	if env.ParentHeader != nil {
		parentJSON, err = json.Marshal(env.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("envelope: marshal parent_header: %w", err)
		}
	}
	metaJSON, err := json.Marshal(nonNilMap(env.Metadata))
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal metadata: %w", err)
	}
	content := env.Content
	if content == nil {
		content = json.RawMessage("{}")
	}

	sig := c.sign(headerJSON, parentJSON, metaJSON, content)

	parts := wireParts{
		Signature:    sig,
		Header:       headerJSON,
		ParentHeader: parentJSON,
		Metadata:     metaJSON,
		Content:      content,
		Buffers:      env.Buffers,
	}
	body, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal parts: %w", err)
	}

	out := make([][]byte, 0, len(env.RoutingIdentities)+2)
	for _, id := range env.RoutingIdentities {
		out = append(out, []byte(id))
	}
	out = append(out, []byte(Delimiter), body)
	return out, nil
}

// Decode parses a multipart message produced by Encode (or an equivalent
// transport). It verifies the signature and returns a *ctlerr.Error of kind
// BadSignature for a tampered frame and BadSerialization for a malformed one.
func (c *Codec) Decode(frames [][]byte) (*Envelope, error) {
	idx := -1
	for i, f := range frames {
		if string(f) == Delimiter {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(frames) {
		return nil, ctlerr.New(ctlerr.KindBadSerialization, "envelope: missing delimiter %q", Delimiter)
	}

	var parts wireParts
	if err := json.Unmarshal(frames[idx+1], &parts); err != nil {
		return nil, ctlerr.New(ctlerr.KindBadSerialization, "envelope: decode parts: %v", err)
	}

	expected := c.sign(parts.Header, parts.ParentHeader, parts.Metadata, parts.Content)
	if !hmac.Equal([]byte(expected), []byte(parts.Signature)) {
		return nil, ctlerr.New(ctlerr.KindBadSignature, "envelope: signature mismatch")
	}

	var header Header
	if err := json.Unmarshal(parts.Header, &header); err != nil {
		return nil, ctlerr.New(ctlerr.KindBadSerialization, "envelope: decode header: %v", err)
	}

	var parentHeader *Header
	if len(parts.ParentHeader) > 2 { // more than "{}"
		var ph Header
		if err := json.Unmarshal(parts.ParentHeader, &ph); err != nil {
			return nil, ctlerr.New(ctlerr.KindBadSerialization, "envelope: decode parent_header: %v", err)
		}
		parentHeader = &ph
	}

	var metadata map[string]any
	if len(parts.Metadata) > 0 {
		if err := json.Unmarshal(parts.Metadata, &metadata); err != nil {
			return nil, ctlerr.New(ctlerr.KindBadSerialization, "envelope: decode metadata: %v", err)
		}
	}

	routing := make([]string, idx)
	for i := 0; i < idx; i++ {
		routing[i] = string(frames[i])
	}

	return &Envelope{
		RoutingIdentities: routing,
		Header:            header,
		ParentHeader:       parentHeader,
		Metadata:           metadata,
		Content:            parts.Content,
		Buffers:            parts.Buffers,
	}, nil
}

func (c *Codec) sign(parts ...[]byte) string {
	mac := hmac.New(sha256.New, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// CompressBuffer compresses a single buffer with zstd, for large content
// payloads that benefit from it (the controller never inspects buffer
// contents, so compression is opaque to it).
func (c *Codec) CompressBuffer(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// DecompressBuffer reverses CompressBuffer.
func (c *Codec) DecompressBuffer(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: zstd decode: %w", err)
	}
	return out, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
