package nodes

import (
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

// AppendUserTurn adds the inbound utterance to the history. A duplicate of
// the latest user entry is skipped so a boundary retry after a transient
// downstream failure does not double-append.
func AppendUserTurn(in *TurnState) (*TurnState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: turn session is nil", contractx.ErrValidation)
	}

	appended, err := in.Session.AppendUserMessage(in.Text, in.Now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	if !appended {
		log.Debug().Str("patient_id", in.PatientID).Msg("duplicate user message skipped")
	}
	return in, nil
}
