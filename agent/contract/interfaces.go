package contract

import "context"

type ResponseGenerator interface {
	Generate(ctx context.Context, req GeneratorRequest) (GeneratorResponse, error)
}

type FieldExtractor interface {
	Extract(ctx context.Context, transcript []TranscriptEntry) (PartialFields, error)
}

type ToolGateway interface {
	Execute(ctx context.Context, patientID string, reqs []ToolRequest) ([]ToolResult, error)
}

type RecordStore interface {
	UpsertPatient(ctx context.Context, patientID string, fields map[string]string) error
	UpdateField(ctx context.Context, patientID, field, value string) error
	SearchDoctors(ctx context.Context, speciality, location string) ([]DoctorMatch, error)
}
