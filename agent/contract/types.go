package contract

// IdentityContext carries the identity fields already confirmed on the
// session. It is handed to the generator so the model does not re-ask for
// data the patient already provided.
type IdentityContext struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name,omitempty"`
	Surname   string `json:"surname,omitempty"`
	Sex       string `json:"sex,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	Insurance string `json:"insurance,omitempty"`
}

// TranscriptEntry is one line of the conversation as seen by the models.
type TranscriptEntry struct {
	Role    string `json:"role"` // "user" | "assistant" | "tool"
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

type GeneratorRequest struct {
	Transcript  []TranscriptEntry `json:"transcript"`
	Identity    IdentityContext   `json:"identity"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
}

type GeneratorResponse struct {
	Utterance    string        `json:"utterance"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
}

// PartialFields is the extractor's best-effort guess. Every field may be
// empty; SummaryFragment accumulates, the rest are write-once on the session.
type PartialFields struct {
	Name            string `json:"name,omitempty"`
	Surname         string `json:"surname,omitempty"`
	Sex             string `json:"sex,omitempty"`
	BirthDate       string `json:"birth_date,omitempty"`
	Insurance       string `json:"insurance,omitempty"`
	SummaryFragment string `json:"summary_fragment,omitempty"`
}

// Empty reports whether nothing was extracted at all.
func (p PartialFields) Empty() bool {
	return p == PartialFields{}
}

type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DoctorMatch is one row of a doctor search, folded back into the
// conversation as a tool result.
type DoctorMatch struct {
	Name       string `json:"name"`
	Speciality string `json:"speciality"`
	Location   string `json:"location"`
	BookingURL string `json:"booking_url,omitempty"`
}

// IntakeNotification is the terminal email payload. Field order matches the
// receiving template and must not change.
type IntakeNotification struct {
	Name            string `json:"name"`
	Surname         string `json:"surname"`
	Sex             string `json:"sex"`
	BirthDate       string `json:"birth_date"`
	Insurance       string `json:"insurance"`
	ClinicalSummary string `json:"clinical_summary"`
}
