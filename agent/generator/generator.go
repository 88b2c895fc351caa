package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	toolx "github.com/curahealth/cura-agent/agent/tool"
)

// Generator produces the patient-facing utterance and any tool requests for
// the current turn. It binds the tool catalog to the chat model so the model
// can signal tool use through native tool calls.
type Generator struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.ResponseGenerator = (*Generator)(nil)

func New(
	ctx context.Context,
	chatModel einomodel.ToolCallingChatModel,
	systemPrompt string,
) (*Generator, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: assistant prompt", contractx.ErrPromptMissing)
	}

	toolModel, err := chatModel.WithTools(toolx.Infos())
	if err != nil {
		return nil, fmt.Errorf("%w: bind intake tools: %v", contractx.ErrModelInvoke, err)
	}

	runner, err := compileAssistantGraph(ctx, toolModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile assistant graph: %v", contractx.ErrModelInvoke, err)
	}

	return &Generator{runner: runner}, nil
}

func (g *Generator) Generate(ctx context.Context, req contractx.GeneratorRequest) (contractx.GeneratorResponse, error) {
	transcript, err := toSchemaMessages(req)
	if err != nil {
		return contractx.GeneratorResponse{}, err
	}

	msg, err := g.runner.Invoke(ctx, map[string]any{
		"patient_id": req.Identity.PatientID,
		"name":       req.Identity.Name,
		"surname":    req.Identity.Surname,
		"sex":        req.Identity.Sex,
		"transcript": transcript,
	})
	if err != nil {
		return contractx.GeneratorResponse{}, fmt.Errorf("%w: assistant invoke: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return contractx.GeneratorResponse{}, fmt.Errorf("%w: empty assistant response", contractx.ErrSchemaViolation)
	}

	// Unrecognized tool names pass through untouched; the gateway's catalog
	// validation turns them into rejected results in the transcript.
	toolRequests, err := toToolRequests(msg.ToolCalls)
	if err != nil {
		return contractx.GeneratorResponse{}, err
	}

	utterance := strings.TrimSpace(msg.Content)
	if utterance == "" && len(toolRequests) == 0 {
		return contractx.GeneratorResponse{}, fmt.Errorf("%w: assistant produced neither utterance nor tool requests", contractx.ErrSchemaViolation)
	}

	return contractx.GeneratorResponse{
		Utterance:    utterance,
		ToolRequests: toolRequests,
	}, nil
}

func toSchemaMessages(req contractx.GeneratorRequest) ([]*schema.Message, error) {
	if len(req.Transcript) == 0 {
		return nil, fmt.Errorf("%w: transcript is empty", contractx.ErrValidation)
	}

	msgs := make([]*schema.Message, 0, len(req.Transcript)+1)
	for _, entry := range req.Transcript {
		content := strings.TrimSpace(entry.Content)
		switch entry.Role {
		case "user":
			msgs = append(msgs, schema.UserMessage(content))
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(content, nil))
		case "tool":
			// Tool outcomes are folded in as assistant-visible context; the
			// upstream transcript does not keep provider tool call ids.
			msgs = append(msgs, schema.AssistantMessage(fmt.Sprintf("[resultado de %s] %s", entry.Tool, content), nil))
		default:
			return nil, fmt.Errorf("%w: unknown transcript role=%q", contractx.ErrValidation, entry.Role)
		}
	}

	if len(req.ToolResults) > 0 {
		raw, err := json.Marshal(req.ToolResults)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal tool results: %v", contractx.ErrValidation, err)
		}
		msgs = append(msgs, schema.UserMessage(
			"Resultados de herramientas de este turno, usalos para responder al paciente: "+string(raw),
		))
	}

	return msgs, nil
}

func toToolRequests(calls []schema.ToolCall) ([]contractx.ToolRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]contractx.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		rawArgs := strings.TrimSpace(call.Function.Arguments)
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}

		reqs = append(reqs, contractx.ToolRequest{
			Tool: tool,
			Args: args,
		})
	}
	return reqs, nil
}
