package nodes

import (
	"context"
	"fmt"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	statex "github.com/curahealth/cura-agent/agent/state"
)

// SaveSession appends the final assistant utterance and persists the turn.
// Persisting last means a crash earlier in the turn leaves the stored
// session exactly as it was before the turn started.
func SaveSession(ctx context.Context, in *TurnState, store statex.Store) (*TurnState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: turn session is nil", contractx.ErrValidation)
	}

	if in.Reply != "" {
		in.Session.AppendAssistantMessage(in.Reply, in.Now)
	}

	if err := in.Session.Validate(); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}
	if err := store.Save(ctx, in.Session); err != nil {
		return nil, err
	}
	return in, nil
}
