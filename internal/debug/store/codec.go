package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

const stateSchemaVersion = 1

// stateEnvelope is the persisted form of a state document. The version field
// lets newer readers keep decoding rows written by older builds.
type stateEnvelope struct {
	Version int             `json:"v"`
	State   json.RawMessage `json:"state,omitempty"`
}

func encodeState(doc *state.Document) ([]byte, error) {
	raw, err := state.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return json.Marshal(stateEnvelope{Version: stateSchemaVersion, State: raw})
}

func decodeState(data []byte) (*state.Document, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot decode empty state payload")
	}

	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state envelope: %w", err)
	}
	if env.Version < 1 || env.Version > stateSchemaVersion {
		return nil, fmt.Errorf("unsupported state schema version %d", env.Version)
	}

	doc, err := state.Unmarshal(env.State)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return doc, nil
}

// wrapStorage translates a driver failure into the storage error kind while
// keeping the original error in the chain for errors.As.
func wrapStorage(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(types.ErrStorage, err))
}
