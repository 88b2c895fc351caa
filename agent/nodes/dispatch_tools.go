package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	statex "github.com/curahealth/cura-agent/agent/state"
	toolx "github.com/curahealth/cura-agent/agent/tool"
)

// routeState is the per-turn routing decision. AWAITING_RESPONSE resolves to
// either DISPATCH_TOOLS or RESPOND_DIRECT; every path ends TERMINAL for the
// turn.
type routeState string

const (
	routeDispatchTools routeState = "DISPATCH_TOOLS"
	routeRespondDirect routeState = "RESPOND_DIRECT"
)

// decideRoute enforces the at-most-once contract around the terminal email:
// once EmailSent is set the generator may keep asking for tools, but nothing
// dispatches again for the rest of the session's life.
func decideRoute(in *TurnState) routeState {
	if in.Degraded {
		return routeRespondDirect
	}
	if len(in.GenResp.ToolRequests) == 0 {
		return routeRespondDirect
	}
	if in.Session.EmailSent {
		return routeRespondDirect
	}
	return routeDispatchTools
}

// DispatchTools runs the routing state machine for one turn. When tools are
// dispatched their results are appended to the history as tool messages, the
// terminal email flips the session flag atomically with a successful send,
// and non-terminal turns get exactly one bounded re-entry into the generator
// so it can react to the results.
func DispatchTools(
	ctx context.Context,
	in *TurnState,
	gateway contractx.ToolGateway,
	generator contractx.ResponseGenerator,
	store statex.Store,
) (*TurnState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: turn session is nil", contractx.ErrValidation)
	}

	if decideRoute(in) == routeRespondDirect {
		return in, nil
	}

	reqs := dedupeTerminal(in.GenResp.ToolRequests)
	enrichEmailRequest(reqs, in.Session)

	results, err := gateway.Execute(ctx, in.Session.PatientID, reqs)
	if err != nil {
		log.Warn().Err(err).Str("patient_id", in.PatientID).Msg("tool gateway failed, responding direct")
		return in, nil
	}

	terminal := false
	for i, res := range results {
		in.Session.AppendToolMessage(res.Tool, toolResultContent(res), in.Now)
		if !res.OK {
			continue
		}
		switch reqs[i].Tool {
		case toolx.ToolSendEmail:
			// the flag flips only on a confirmed send, so a failed email
			// leaves the terminal action available for a later farewell
			in.Session.MarkEmailSent(in.Now)
			terminal = true
			// persist the flag right away; if the end-of-turn save fails a
			// retry must not send the email again
			if store != nil {
				if err := store.Save(ctx, in.Session); err != nil {
					log.Warn().Err(err).Str("patient_id", in.PatientID).Msg("could not persist email flag after send")
				}
			}
		case toolx.ToolShowCalendar:
			in.Session.MarkCalendarShown(in.Now)
			if link := toolx.StringArg(reqs[i], "reference_url"); link != "" {
				_ = in.Session.ApplyCorrection(statex.FieldDoctor, link, in.Now)
			}
		case toolx.ToolUpdateRecord:
			applyCorrection(in, reqs[i])
		}
	}
	in.ToolResults = results

	if terminal {
		// the farewell utterance from the first generator call closes the turn
		return in, nil
	}

	reentry(ctx, in, generator, results)
	return in, nil
}

// reentry gives the generator one chance to react to tool results. Tool
// requests coming out of the re-entry are dropped: the cap is what keeps the
// conversation graph from cycling.
func reentry(
	ctx context.Context,
	in *TurnState,
	generator contractx.ResponseGenerator,
	results []contractx.ToolResult,
) {
	resp, err := generator.Generate(ctx, contractx.GeneratorRequest{
		Transcript:  in.Session.Transcript(),
		Identity:    in.Session.IdentityContext(),
		ToolResults: results,
	})
	if err != nil {
		log.Warn().Err(err).Str("patient_id", in.PatientID).Msg("re-entry generation failed, keeping first utterance")
		return
	}
	if utterance := strings.TrimSpace(resp.Utterance); utterance != "" {
		in.Reply = utterance
	}
	if len(resp.ToolRequests) > 0 {
		log.Warn().Str("patient_id", in.PatientID).Int("dropped", len(resp.ToolRequests)).Msg("tool requests after re-entry cap dropped")
	}
}

// dedupeTerminal keeps only the first send_email request of a turn and drops
// the repeats before dispatch, so the email cannot fire twice in one turn.
func dedupeTerminal(reqs []contractx.ToolRequest) []contractx.ToolRequest {
	seen := false
	out := make([]contractx.ToolRequest, 0, len(reqs))
	for _, req := range reqs {
		if req.Tool == toolx.ToolSendEmail {
			if seen {
				continue
			}
			seen = true
		}
		out = append(out, req)
	}
	return out
}

// enrichEmailRequest overrides the model-supplied email arguments with the
// session's confirmed values. The session, not the model, is authoritative
// for the notification payload.
func enrichEmailRequest(reqs []contractx.ToolRequest, sess *statex.Session) {
	for i := range reqs {
		if reqs[i].Tool != toolx.ToolSendEmail {
			continue
		}
		n := sess.Notification()
		reqs[i].Args = map[string]any{
			"name":             n.Name,
			"surname":          n.Surname,
			"sex":              n.Sex,
			"birth_date":       n.BirthDate,
			"insurance":        n.Insurance,
			"clinical_summary": n.ClinicalSummary,
		}
	}
}

// applyCorrection mirrors a successful record update onto the session. This
// is the explicit path that may overwrite a write-once field.
func applyCorrection(in *TurnState, req contractx.ToolRequest) {
	field := toolx.StringArg(req, "field")
	value := toolx.StringArg(req, "value")
	if err := in.Session.ApplyCorrection(field, value, in.Now); err != nil {
		log.Warn().Err(err).Str("patient_id", in.PatientID).Str("field", field).Msg("session correction skipped")
	}
}

func toolResultContent(res contractx.ToolResult) string {
	if res.Error != "" {
		return fmt.Sprintf("tool %s failed: %s", res.Tool, res.Error)
	}
	return res.Output
}
