package nodes

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	statex "github.com/curahealth/cura-agent/agent/state"
)

func LoadOrCreateSession(ctx context.Context, in *TurnState, store statex.Store) (*TurnState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: turn state is nil", contractx.ErrValidation)
	}

	sess, err := store.Load(ctx, in.PatientID)
	if err != nil {
		if !errors.Is(err, statex.ErrStateNotFound) {
			return nil, err
		}
		sess = statex.NewSession(in.PatientID, in.Now)
	}

	in.Session = sess
	return in, nil
}
