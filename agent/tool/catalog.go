package tool

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

const (
	ToolSendEmail     = "send_email"
	ToolShowCalendar  = "show_calendar"
	ToolUpdateRecord  = "update_record"
	ToolSearchDoctors = "search_doctors"
	ToolCreateEvent   = "create_event"
	ToolGetEvents     = "get_events"
)

// argSpec is the fixed schema for one tool argument. All tool arguments are
// strings; the generator is free-form and everything it sends is validated
// here before anything executes.
type argSpec struct {
	name     string
	desc     string
	required bool
}

var catalog = map[string][]argSpec{
	ToolSendEmail: {
		{name: "name", desc: "Patient first name", required: false},
		{name: "surname", desc: "Patient surname", required: false},
		{name: "sex", desc: "Patient biological sex", required: false},
		{name: "birth_date", desc: "Birth date, YYYY-MM-DD", required: false},
		{name: "insurance", desc: "Medical insurance provider", required: false},
		{name: "clinical_summary", desc: "Summary of the patient situation", required: false},
	},
	ToolShowCalendar: {
		{name: "reference_url", desc: "Calendar URL to open for the patient", required: true},
	},
	ToolUpdateRecord: {
		{name: "field", desc: "Field to correct: name, surname, sex, birth_date, insurance, clinical_summary, preferred_doctor_link", required: true},
		{name: "value", desc: "New value for the field", required: true},
	},
	ToolSearchDoctors: {
		{name: "speciality", desc: "Medical speciality, e.g. cardiología", required: false},
		{name: "location", desc: "Geographic location, e.g. Buenos Aires", required: false},
	},
	ToolCreateEvent: {
		{name: "title", desc: "Event title", required: true},
		{name: "description", desc: "Event description", required: false},
		{name: "start_time", desc: "Start time, RFC 3339", required: true},
		{name: "end_time", desc: "End time, RFC 3339", required: true},
	},
	ToolGetEvents: {
		{name: "time_min", desc: "Range start, RFC 3339", required: true},
		{name: "time_max", desc: "Range end, RFC 3339", required: true},
	},
}

var toolDescs = map[string]string{
	ToolSendEmail:     "Send the collected intake information to the doctor by email. Call this once when the patient says goodbye.",
	ToolShowCalendar:  "Open the appointment calendar for the patient.",
	ToolUpdateRecord:  "Correct a field of the patient's record when the patient explicitly asks for a change.",
	ToolSearchDoctors: "Search doctors by speciality and location.",
	ToolCreateEvent:   "Create a calendar appointment for the patient.",
	ToolGetEvents:     "List calendar appointments within a date range.",
}

// Known reports whether the catalog carries a schema for the tool.
func Known(tool string) bool {
	_, ok := catalog[tool]
	return ok
}

// Validate checks a generator tool request against the catalog. Unknown
// tools and missing or non-string arguments come back as a rejected
// ToolResult rather than an error; the conversation keeps going.
func Validate(req contractx.ToolRequest) (contractx.ToolResult, bool) {
	name := strings.TrimSpace(req.Tool)
	specs, ok := catalog[name]
	if !ok {
		return contractx.ToolResult{
			Tool:  name,
			Error: fmt.Sprintf("unknown tool %q", name),
		}, false
	}

	for _, spec := range specs {
		raw, present := req.Args[spec.name]
		if !present {
			if spec.required {
				return contractx.ToolResult{
					Tool:  name,
					Error: fmt.Sprintf("missing required argument %q", spec.name),
				}, false
			}
			continue
		}
		str, isString := raw.(string)
		if !isString {
			return contractx.ToolResult{
				Tool:  name,
				Error: fmt.Sprintf("argument %q must be a string", spec.name),
			}, false
		}
		if spec.required && strings.TrimSpace(str) == "" {
			return contractx.ToolResult{
				Tool:  name,
				Error: fmt.Sprintf("required argument %q is empty", spec.name),
			}, false
		}
	}

	return contractx.ToolResult{Tool: name, OK: true}, true
}

// StringArg extracts a validated string argument, empty when absent.
func StringArg(req contractx.ToolRequest, name string) string {
	raw, ok := req.Args[name]
	if !ok {
		return ""
	}
	str, _ := raw.(string)
	return strings.TrimSpace(str)
}

// Infos exposes the catalog as eino tool schemas for model binding.
func Infos() []*schema.ToolInfo {
	names := []string{
		ToolSendEmail,
		ToolShowCalendar,
		ToolUpdateRecord,
		ToolSearchDoctors,
		ToolCreateEvent,
		ToolGetEvents,
	}

	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		params := make(map[string]*schema.ParameterInfo, len(catalog[name]))
		for _, spec := range catalog[name] {
			params[spec.name] = &schema.ParameterInfo{
				Type:     schema.String,
				Desc:     spec.desc,
				Required: spec.required,
			}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        name,
			Desc:        toolDescs[name],
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}
