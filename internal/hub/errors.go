package hub

import (
	"encoding/json"
	"fmt"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
)

// cerrContent marshals a ctlerr.Error into the raw content bytes carried
// in a reply envelope, per §7: structured replies, not free text.
func cerrContent(cerr *ctlerr.Error) (json.RawMessage, error) {
	b, err := json.Marshal(cerr)
	if err != nil {
		return nil, fmt.Errorf("hub: marshal error content: %w", err)
	}
	return b, nil
}
