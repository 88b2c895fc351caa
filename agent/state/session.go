package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

// Session is the persistent source-of-truth for one patient's intake
// conversation.
// - Identity fields are write-once: extraction never overwrites a set value.
// - ClinicalSummary accumulates, it is never replaced.
// - History is append-only and strictly ordered.
// - EmailSent flips false->true at most once and never resets.
type Session struct {
	// Identity
	PatientID string `json:"patient_id"`
	Name      string `json:"name,omitempty"`
	Surname   string `json:"surname,omitempty"`
	Sex       string `json:"sex,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	Insurance string `json:"insurance,omitempty"`

	// Clinical
	ClinicalSummary     string `json:"clinical_summary,omitempty"`
	PreferredDoctorLink string `json:"preferred_doctor_link,omitempty"`

	// Conversation
	History []Message `json:"history,omitempty"`

	// Side-effect flags
	EmailSent     bool `json:"email_sent"`
	CalendarShown bool `json:"calendar_shown"`

	UpdatedAt time.Time `json:"updated_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one immutable entry of the session history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tool      string    `json:"tool,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

/* ---------------------------- Merge policies ----------------------------- */

// MergePolicy decides how an extracted value is folded into a session field.
type MergePolicy string

const (
	// MergeWriteOnce keeps the first non-empty value forever; passive
	// extraction cannot change it afterwards.
	MergeWriteOnce MergePolicy = "write-once"
	// MergeAppend accumulates fragments separated by a space.
	MergeAppend MergePolicy = "append"
	// MergeCorrectionOnly is never written by extraction at all; only the
	// explicit correction path (update_record tool) may set it.
	MergeCorrectionOnly MergePolicy = "correction-only"
)

const (
	FieldName      = "name"
	FieldSurname   = "surname"
	FieldSex       = "sex"
	FieldBirthDate = "birth_date"
	FieldInsurance = "insurance"
	FieldSummary   = "clinical_summary"
	FieldDoctor    = "preferred_doctor_link"
)

// FieldPolicies is the single place where per-field merge behavior is
// declared. MergeExtracted and ApplyCorrection both consult it, which keeps
// the write-once invariant mechanically checkable.
var FieldPolicies = map[string]MergePolicy{
	FieldName:      MergeWriteOnce,
	FieldSurname:   MergeWriteOnce,
	FieldSex:       MergeWriteOnce,
	FieldBirthDate: MergeWriteOnce,
	FieldInsurance: MergeWriteOnce,
	FieldSummary:   MergeAppend,
	FieldDoctor:    MergeCorrectionOnly,
}

/* ----------------------------- Constructors ------------------------------ */

var (
	ErrInvalidPatient   = errors.New("patient id is empty")
	ErrUnknownField     = errors.New("unknown session field")
	ErrHistoryCorrupt   = errors.New("session history corrupt")
	ErrEmailFlagRewind  = errors.New("email_sent flag cannot reset")
	ErrEmptyUtterance   = errors.New("utterance is empty")
	ErrDuplicateMessage = errors.New("message already appended")
)

func NewSession(patientID string, now time.Time) *Session {
	return &Session{
		PatientID: strings.TrimSpace(patientID),
		UpdatedAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

/* ----------------------------- Field access ------------------------------ */

func (s *Session) FieldValue(field string) (string, error) {
	switch field {
	case FieldName:
		return s.Name, nil
	case FieldSurname:
		return s.Surname, nil
	case FieldSex:
		return s.Sex, nil
	case FieldBirthDate:
		return s.BirthDate, nil
	case FieldInsurance:
		return s.Insurance, nil
	case FieldSummary:
		return s.ClinicalSummary, nil
	case FieldDoctor:
		return s.PreferredDoctorLink, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func (s *Session) setField(field, value string) error {
	switch field {
	case FieldName:
		s.Name = value
	case FieldSurname:
		s.Surname = value
	case FieldSex:
		s.Sex = value
	case FieldBirthDate:
		s.BirthDate = value
	case FieldInsurance:
		s.Insurance = value
	case FieldSummary:
		s.ClinicalSummary = value
	case FieldDoctor:
		s.PreferredDoctorLink = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}

// MergeExtracted folds an extractor guess into the session under the policy
// table. Already-set write-once fields always win; summary fragments append.
// Returns the list of fields that actually changed.
func (s *Session) MergeExtracted(p contractx.PartialFields, now time.Time) []string {
	updates := map[string]string{
		FieldName:      strings.TrimSpace(p.Name),
		FieldSurname:   strings.TrimSpace(p.Surname),
		FieldSex:       strings.TrimSpace(p.Sex),
		FieldBirthDate: strings.TrimSpace(p.BirthDate),
		FieldInsurance: strings.TrimSpace(p.Insurance),
		FieldSummary:   strings.TrimSpace(p.SummaryFragment),
	}

	var changed []string
	for _, field := range orderedFields {
		value, ok := updates[field]
		if !ok || value == "" {
			continue
		}
		current, err := s.FieldValue(field)
		if err != nil {
			continue
		}
		switch FieldPolicies[field] {
		case MergeWriteOnce:
			if current != "" {
				continue
			}
			_ = s.setField(field, value)
			changed = append(changed, field)
		case MergeAppend:
			if current == "" {
				_ = s.setField(field, value)
			} else {
				_ = s.setField(field, current+" "+value)
			}
			changed = append(changed, field)
		case MergeCorrectionOnly:
			// extraction never touches these
		}
	}

	if len(changed) > 0 {
		s.Touch(now)
	}
	return changed
}

// orderedFields fixes merge order so changed-field reporting is stable.
var orderedFields = []string{
	FieldName,
	FieldSurname,
	FieldSex,
	FieldBirthDate,
	FieldInsurance,
	FieldSummary,
	FieldDoctor,
}

// ApplyCorrection overwrites a field through the explicit correction path.
// This is the only way a non-empty write-once value changes.
func (s *Session) ApplyCorrection(field, value string, now time.Time) error {
	field = strings.TrimSpace(field)
	if _, ok := FieldPolicies[field]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if err := s.setField(field, strings.TrimSpace(value)); err != nil {
		return err
	}
	s.Touch(now)
	return nil
}

/* ------------------------------- History --------------------------------- */

func (s *Session) LastMessage() *Message {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// AppendUserMessage appends the patient's utterance. It is an idempotence
// guard for boundary retries: when the latest entry is a user message with
// identical content, nothing is appended and false is returned.
func (s *Session) AppendUserMessage(text string, now time.Time) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ErrEmptyUtterance
	}
	if last := s.LastMessage(); last != nil && last.Role == RoleUser && last.Content == text {
		return false, nil
	}
	s.appendMessage(Message{Role: RoleUser, Content: text}, now)
	return true, nil
}

func (s *Session) AppendAssistantMessage(text string, now time.Time) {
	s.appendMessage(Message{Role: RoleAssistant, Content: strings.TrimSpace(text)}, now)
}

func (s *Session) AppendToolMessage(tool, content string, now time.Time) {
	s.appendMessage(Message{Role: RoleTool, Tool: tool, Content: content}, now)
}

func (s *Session) appendMessage(m Message, now time.Time) {
	m.ID = uuid.NewString()
	m.CreatedAt = now.UTC()
	s.History = append(s.History, m)
	s.Touch(now)
}

// Transcript projects the history into the shape the models consume.
func (s *Session) Transcript() []contractx.TranscriptEntry {
	out := make([]contractx.TranscriptEntry, 0, len(s.History))
	for _, m := range s.History {
		out = append(out, contractx.TranscriptEntry{
			Role:    string(m.Role),
			Content: m.Content,
			Tool:    m.Tool,
		})
	}
	return out
}

/* ----------------------------- Side effects ------------------------------ */

// MarkEmailSent flips the terminal flag. The flag is monotonic; callers flip
// it only after the dispatcher reported a successful send.
func (s *Session) MarkEmailSent(now time.Time) {
	if s.EmailSent {
		return
	}
	s.EmailSent = true
	s.Touch(now)
}

func (s *Session) MarkCalendarShown(now time.Time) {
	if s.CalendarShown {
		return
	}
	s.CalendarShown = true
	s.Touch(now)
}

// IdentityContext snapshots the confirmed identity fields for the generator.
func (s *Session) IdentityContext() contractx.IdentityContext {
	return contractx.IdentityContext{
		PatientID: s.PatientID,
		Name:      s.Name,
		Surname:   s.Surname,
		Sex:       s.Sex,
		BirthDate: s.BirthDate,
		Insurance: s.Insurance,
	}
}

// Notification builds the terminal email payload in template order.
func (s *Session) Notification() contractx.IntakeNotification {
	return contractx.IntakeNotification{
		Name:            s.Name,
		Surname:         s.Surname,
		Sex:             s.Sex,
		BirthDate:       s.BirthDate,
		Insurance:       s.Insurance,
		ClinicalSummary: s.ClinicalSummary,
	}
}

/* ------------------------------ Validation ------------------------------- */

func (s *Session) Validate() error {
	if strings.TrimSpace(s.PatientID) == "" {
		return ErrInvalidPatient
	}
	var prev time.Time
	for i, m := range s.History {
		if m.Role != RoleUser && m.Role != RoleAssistant && m.Role != RoleTool {
			return fmt.Errorf("%w: entry %d has role %q", ErrHistoryCorrupt, i, m.Role)
		}
		if m.CreatedAt.Before(prev) {
			return fmt.Errorf("%w: entry %d is out of order", ErrHistoryCorrupt, i)
		}
		prev = m.CreatedAt
	}
	return nil
}
