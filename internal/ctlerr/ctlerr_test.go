package ctlerr_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
)

func TestError_RoundTripsThroughJSON(t *testing.T) {
	orig := ctlerr.New(ctlerr.KindDependencyTimeout, "waited %d ms", 200)
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded ctlerr.Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, orig.Kind, decoded.Kind)
	assert.Equal(t, orig.Message, decoded.Message)
}

func TestComposite_AggregatesRemoteErrors(t *testing.T) {
	e1 := ctlerr.Remote("ValueError", "bad input", []string{"line 1", "line 2"})
	e2 := ctlerr.Remote("TypeError", "wrong type", nil)

	composite := ctlerr.Composite([]*ctlerr.Error{e1, e2})
	assert.Equal(t, ctlerr.KindCompositeError, composite.Kind)
	assert.Len(t, composite.Errors, 2)
	assert.Equal(t, "ValueError", composite.Errors[0].EName)
}

func TestIs_MatchesKind(t *testing.T) {
	var err error = ctlerr.New(ctlerr.KindEngineGone, "engine 3 died")
	assert.True(t, ctlerr.Is(err, ctlerr.KindEngineGone))
	assert.False(t, ctlerr.Is(err, ctlerr.KindUnknownEngine))
}
