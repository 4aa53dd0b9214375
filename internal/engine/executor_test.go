package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/engine"
)

func TestExecutor_CallOK(t *testing.T) {
	ex := engine.NewExecutor()
	ex.Register("double", func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		var n int
		require.NoError(t, json.Unmarshal(args[0], &n))
		return n * 2, nil
	})

	reply := ex.Call(context.Background(), engine.ApplyRequest{
		Function: "double",
		Args:     []json.RawMessage{json.RawMessage("21")},
	})

	assert.Equal(t, "ok", reply.Status)
	var result int
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, 42, result)
}

func TestExecutor_CallUnknownFunction(t *testing.T) {
	ex := engine.NewExecutor()
	reply := ex.Call(context.Background(), engine.ApplyRequest{Function: "missing"})
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "NameError", reply.EName)
}

func TestExecutor_CallPropagatesError(t *testing.T) {
	ex := engine.NewExecutor()
	ex.Register("boom", func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	reply := ex.Call(context.Background(), engine.ApplyRequest{Function: "boom"})
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "RuntimeError", reply.EName)
	assert.Contains(t, reply.EValue, "disk on fire")
}

func TestExecutor_CallRecoversPanic(t *testing.T) {
	ex := engine.NewExecutor()
	ex.Register("panics", func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		panic("kaboom")
	})
	reply := ex.Call(context.Background(), engine.ApplyRequest{Function: "panics"})
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "PanicError", reply.EName)
}
