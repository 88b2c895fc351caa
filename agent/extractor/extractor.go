package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

// Extractor reads the conversation so far and pulls out patient fields. It
// runs beside the generator on every turn and is always best effort; callers
// treat its errors as non-fatal.
type Extractor struct {
	client *openaisdk.Client
	model  string
	prompt string
}

var _ contractx.FieldExtractor = (*Extractor)(nil)

func New(client *openaisdk.Client, model, systemPrompt string) (*Extractor, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: openai client is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: extractor model is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: extractor prompt", contractx.ErrPromptMissing)
	}
	return &Extractor{
		client: client,
		model:  strings.TrimSpace(model),
		prompt: strings.TrimSpace(systemPrompt),
	}, nil
}

func (e *Extractor) Extract(ctx context.Context, transcript []contractx.TranscriptEntry) (contractx.PartialFields, error) {
	if len(transcript) == 0 {
		return contractx.PartialFields{}, fmt.Errorf("%w: transcript is empty", contractx.ErrValidation)
	}

	resp, err := e.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(e.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(e.prompt),
			openaisdk.UserMessage("Conversación:\n" + renderTranscript(transcript)),
		},
		ResponseFormat: openaisdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openaisdk.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return contractx.PartialFields{}, fmt.Errorf("%w: extractor invoke: %v", contractx.ErrModelInvoke, err)
	}
	if len(resp.Choices) == 0 {
		return contractx.PartialFields{}, fmt.Errorf("%w: extractor returned no choices", contractx.ErrSchemaViolation)
	}

	return parsePartialFields(resp.Choices[0].Message.Content)
}

func renderTranscript(transcript []contractx.TranscriptEntry) string {
	var sb strings.Builder
	for _, entry := range transcript {
		if entry.Role == "tool" {
			continue
		}
		sb.WriteString(entry.Role)
		sb.WriteString(": ")
		sb.WriteString(entry.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

type extractorOutput struct {
	Name            string `json:"name"`
	Surname         string `json:"surname"`
	Sex             string `json:"sex"`
	BirthDate       string `json:"birth_date"`
	Insurance       string `json:"insurance"`
	ClinicalSummary string `json:"clinical_summary"`
}

func parsePartialFields(raw string) (contractx.PartialFields, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return contractx.PartialFields{}, nil
	}

	var out extractorOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return contractx.PartialFields{}, fmt.Errorf("%w: extractor output is not valid JSON: %v", contractx.ErrSchemaViolation, err)
	}

	return contractx.PartialFields{
		Name:            strings.TrimSpace(out.Name),
		Surname:         strings.TrimSpace(out.Surname),
		Sex:             strings.TrimSpace(out.Sex),
		BirthDate:       strings.TrimSpace(out.BirthDate),
		Insurance:       strings.TrimSpace(out.Insurance),
		SummaryFragment: strings.TrimSpace(out.ClinicalSummary),
	}, nil
}
