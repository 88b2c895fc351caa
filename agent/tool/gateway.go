package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

// Mailer delivers the terminal intake notification to the doctor.
type Mailer interface {
	SendIntake(ctx context.Context, n contractx.IntakeNotification) error
}

// CalendarEvent is the gateway's view of one appointment.
type CalendarEvent struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// CalendarClient talks to the external calendar provider.
type CalendarClient interface {
	CreateEvent(ctx context.Context, ev CalendarEvent) error
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]CalendarEvent, error)
}

// Gateway executes validated tool requests against the external
// collaborators. Tool calls are independent: one failure is reported as a
// failed result and the remaining requests still run.
type Gateway struct {
	mailer   Mailer
	calendar CalendarClient
	records  contractx.RecordStore
}

func NewGateway(mailer Mailer, calendar CalendarClient, records contractx.RecordStore) *Gateway {
	return &Gateway{
		mailer:   mailer,
		calendar: calendar,
		records:  records,
	}
}

func (g *Gateway) Execute(ctx context.Context, patientID string, reqs []contractx.ToolRequest) ([]contractx.ToolResult, error) {
	if g == nil {
		return nil, errors.New("nil tool gateway")
	}

	results := make([]contractx.ToolResult, 0, len(reqs))
	for _, req := range reqs {
		res, ok := Validate(req)
		if !ok {
			log.Warn().Str("tool", req.Tool).Str("reason", res.Error).Msg("tool request rejected")
			results = append(results, res)
			continue
		}
		results = append(results, g.execute(ctx, patientID, req))
	}
	return results, nil
}

func (g *Gateway) execute(ctx context.Context, patientID string, req contractx.ToolRequest) contractx.ToolResult {
	switch req.Tool {
	case ToolSendEmail:
		return g.sendEmail(ctx, req)
	case ToolShowCalendar:
		return showCalendar(req)
	case ToolUpdateRecord:
		return g.updateRecord(ctx, patientID, req)
	case ToolSearchDoctors:
		return g.searchDoctors(ctx, req)
	case ToolCreateEvent:
		return g.createEvent(ctx, req)
	case ToolGetEvents:
		return g.getEvents(ctx, req)
	default:
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("unknown tool %q", req.Tool)}
	}
}

func (g *Gateway) sendEmail(ctx context.Context, req contractx.ToolRequest) contractx.ToolResult {
	if g.mailer == nil {
		return contractx.ToolResult{Tool: req.Tool, Error: "email is not configured"}
	}

	n := contractx.IntakeNotification{
		Name:            StringArg(req, "name"),
		Surname:         StringArg(req, "surname"),
		Sex:             StringArg(req, "sex"),
		BirthDate:       StringArg(req, "birth_date"),
		Insurance:       StringArg(req, "insurance"),
		ClinicalSummary: StringArg(req, "clinical_summary"),
	}
	if err := g.mailer.SendIntake(ctx, n); err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("send intake email: %v", err)}
	}
	return contractx.ToolResult{Tool: req.Tool, OK: true, Output: "intake email sent to the doctor"}
}

func showCalendar(req contractx.ToolRequest) contractx.ToolResult {
	payload, err := json.Marshal(map[string]string{
		"action":        "show_calendar",
		"reference_url": StringArg(req, "reference_url"),
	})
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("encode calendar payload: %v", err)}
	}
	return contractx.ToolResult{Tool: req.Tool, OK: true, Output: string(payload)}
}

func (g *Gateway) updateRecord(ctx context.Context, patientID string, req contractx.ToolRequest) contractx.ToolResult {
	if g.records == nil {
		return contractx.ToolResult{Tool: req.Tool, Error: "record store is not configured"}
	}

	field := StringArg(req, "field")
	value := StringArg(req, "value")
	if err := g.records.UpdateField(ctx, patientID, field, value); err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("update record: %v", err)}
	}
	return contractx.ToolResult{
		Tool:   req.Tool,
		OK:     true,
		Output: fmt.Sprintf("record updated: %s set for patient %s", field, patientID),
	}
}

func (g *Gateway) searchDoctors(ctx context.Context, req contractx.ToolRequest) contractx.ToolResult {
	if g.records == nil {
		return contractx.ToolResult{Tool: req.Tool, Error: "record store is not configured"}
	}

	matches, err := g.records.SearchDoctors(ctx, StringArg(req, "speciality"), StringArg(req, "location"))
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("search doctors: %v", err)}
	}
	payload, err := json.Marshal(matches)
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("encode doctor matches: %v", err)}
	}
	return contractx.ToolResult{Tool: req.Tool, OK: true, Output: string(payload)}
}

func (g *Gateway) createEvent(ctx context.Context, req contractx.ToolRequest) contractx.ToolResult {
	if g.calendar == nil {
		return contractx.ToolResult{Tool: req.Tool, Error: "calendar is not configured"}
	}

	start, err := time.Parse(time.RFC3339, StringArg(req, "start_time"))
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("invalid start_time: %v", err)}
	}
	end, err := time.Parse(time.RFC3339, StringArg(req, "end_time"))
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("invalid end_time: %v", err)}
	}
	if !end.After(start) {
		return contractx.ToolResult{Tool: req.Tool, Error: "end_time must be after start_time"}
	}

	ev := CalendarEvent{
		Title:       StringArg(req, "title"),
		Description: StringArg(req, "description"),
		Start:       start,
		End:         end,
	}
	if err := g.calendar.CreateEvent(ctx, ev); err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("create event: %v", err)}
	}
	return contractx.ToolResult{Tool: req.Tool, OK: true, Output: "event created successfully"}
}

func (g *Gateway) getEvents(ctx context.Context, req contractx.ToolRequest) contractx.ToolResult {
	if g.calendar == nil {
		return contractx.ToolResult{Tool: req.Tool, Error: "calendar is not configured"}
	}

	timeMin, err := time.Parse(time.RFC3339, StringArg(req, "time_min"))
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("invalid time_min: %v", err)}
	}
	timeMax, err := time.Parse(time.RFC3339, StringArg(req, "time_max"))
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("invalid time_max: %v", err)}
	}

	events, err := g.calendar.ListEvents(ctx, timeMin, timeMax)
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("list events: %v", err)}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("encode events: %v", err)}
	}
	return contractx.ToolResult{Tool: req.Tool, OK: true, Output: string(payload)}
}
