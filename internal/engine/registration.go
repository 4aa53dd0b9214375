package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/envelope"
)

// registrationReply mirrors the Hub's registration_reply content
// (internal/hub/registration.go's registrationReply).
type registrationReply struct {
	EngineID  string   `json:"engine_id"`
	EngineIDs []string `json:"engine_ids"`
}

// RegistrationResult holds what an engine learns from a successful
// registration: its assigned id and the full current roster.
type RegistrationResult struct {
	EngineID  string
	EngineIDs []string
}

// register sends a registration_request over conn and blocks for the
// matching registration_reply. Unlike the teacher's worker registration
// flow, there is no admin-approval poll loop here: spec.md's engines
// register and start working immediately, so this is one request and one
// reply, nothing more.
func register(ctx context.Context, conn wsConn, codec *envelope.Codec, identity string, newID func() string) (*RegistrationResult, error) {
	req := &envelope.Envelope{
		Header:  envelope.NewHeader(newID(), "registration_request", "", identity),
		Content: json.RawMessage(`{}`),
	}
	frames, err := codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("engine: encode registration_request: %w", err)
	}
	if err := conn.Send(ctx, frames); err != nil {
		return nil, fmt.Errorf("engine: send registration_request: %w", err)
	}

	replyFrames, err := conn.ReadFrames(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: read registration_reply: %w", err)
	}
	reply, err := codec.Decode(replyFrames)
	if err != nil {
		return nil, fmt.Errorf("engine: decode registration_reply: %w", err)
	}

	var cerr ctlerr.Error
	if err := json.Unmarshal(reply.Content, &cerr); err == nil && cerr.Kind != "" {
		return nil, &cerr
	}

	var rr registrationReply
	if err := json.Unmarshal(reply.Content, &rr); err != nil {
		return nil, fmt.Errorf("engine: decode registration reply content: %w", err)
	}
	if rr.EngineID == "" {
		return nil, fmt.Errorf("engine: registration reply missing engine_id")
	}
	return &RegistrationResult{EngineID: rr.EngineID, EngineIDs: rr.EngineIDs}, nil
}
