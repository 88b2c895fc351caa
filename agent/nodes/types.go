package nodes

import (
	"errors"
	"strings"
	"time"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	statex "github.com/curahealth/cura-agent/agent/state"
)

var (
	ErrInvalidPatient = errors.New("patient id is empty")
	ErrInvalidMessage = errors.New("message is empty")
)

type GraphInput struct {
	PatientID string
	Text      string
}

type GraphOutput struct {
	Reply string
}

// TurnState flows through the turn graph. One value per inbound message.
type TurnState struct {
	PatientID string
	Text      string
	Now       time.Time

	Session *statex.Session

	// GenResp holds the first generator response of the turn. Degraded is
	// set when the generator failed and Reply carries the apology; no tool
	// dispatch happens on a degraded turn.
	GenResp  contractx.GeneratorResponse
	Degraded bool

	Reply       string
	ToolResults []contractx.ToolResult
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*TurnState, error) {
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, ErrInvalidPatient
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}

	return &TurnState{
		PatientID: patientID,
		Text:      text,
		Now:       nowFn().UTC(),
	}, nil
}
