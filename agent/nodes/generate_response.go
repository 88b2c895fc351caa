package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

// DefaultApology is the degraded reply when the generator call fails. All
// recoverable failures surface to the patient as natural language, never as
// a technical error.
const DefaultApology = "Disculpá, tuve un inconveniente para procesar tu mensaje. ¿Podés repetírmelo?"

func GenerateResponse(
	ctx context.Context,
	in *TurnState,
	generator contractx.ResponseGenerator,
	apology string,
) (*TurnState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: turn session is nil", contractx.ErrValidation)
	}
	if strings.TrimSpace(apology) == "" {
		apology = DefaultApology
	}

	resp, err := generator.Generate(ctx, contractx.GeneratorRequest{
		Transcript: in.Session.Transcript(),
		Identity:   in.Session.IdentityContext(),
	})
	if err != nil {
		log.Warn().Err(err).Str("patient_id", in.PatientID).Msg("generator failed, degrading turn")
		in.Degraded = true
		in.Reply = apology
		return in, nil
	}

	in.GenResp = resp
	in.Reply = strings.TrimSpace(resp.Utterance)
	return in, nil
}
