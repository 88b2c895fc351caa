package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	statex "github.com/curahealth/cura-agent/agent/state"
	toolx "github.com/curahealth/cura-agent/agent/tool"
)

type fakeGenerator struct {
	mu        sync.Mutex
	responses []contractx.GeneratorResponse
	errs      []error
	calls     int
}

func (f *fakeGenerator) Generate(_ context.Context, _ contractx.GeneratorRequest) (contractx.GeneratorResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return contractx.GeneratorResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return contractx.GeneratorResponse{Utterance: "¿En qué más puedo ayudarte?"}, nil
}

type fakeExtractor struct {
	mu     sync.Mutex
	fields []contractx.PartialFields
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, _ []contractx.TranscriptEntry) (contractx.PartialFields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return contractx.PartialFields{}, f.err
	}
	i := f.calls
	f.calls++
	if i < len(f.fields) {
		return f.fields[i], nil
	}
	return contractx.PartialFields{}, nil
}

type fakeTools struct {
	mu       sync.Mutex
	received [][]contractx.ToolRequest
	results  func(reqs []contractx.ToolRequest) []contractx.ToolResult
	err      error
}

func (f *fakeTools) Execute(_ context.Context, _ string, reqs []contractx.ToolRequest) ([]contractx.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.received = append(f.received, reqs)
	if f.results != nil {
		return f.results(reqs), nil
	}
	out := make([]contractx.ToolResult, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, contractx.ToolResult{Tool: req.Tool, OK: true, Output: "done"})
	}
	return out, nil
}

func (f *fakeTools) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type fakeRecords struct {
	mu       sync.Mutex
	upserted map[string]map[string]string
	err      error
}

func (f *fakeRecords) UpsertPatient(_ context.Context, patientID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.upserted == nil {
		f.upserted = make(map[string]map[string]string)
	}
	f.upserted[patientID] = fields
	return nil
}

func (f *fakeRecords) UpdateField(_ context.Context, _, _, _ string) error { return f.err }

func (f *fakeRecords) SearchDoctors(_ context.Context, _, _ string) ([]contractx.DoctorMatch, error) {
	return nil, f.err
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator, ext *fakeExtractor, tools *fakeTools) (*Orchestrator, *statex.MemoryStore) {
	t.Helper()

	store := statex.NewMemoryStore()
	orch, err := New(store, gen, ext, tools, nil, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return orch, store
}

func mustLoad(t *testing.T, store *statex.MemoryStore, patientID string) *statex.Session {
	t.Helper()

	sess, err := store.Load(context.Background(), patientID)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", patientID, err)
	}
	return sess
}

func TestProcessTurnRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t, &fakeGenerator{}, &fakeExtractor{}, &fakeTools{})

	if _, err := orch.ProcessTurn(context.Background(), "  ", "hola"); !errors.Is(err, ErrInvalidPatient) {
		t.Fatalf("ProcessTurn() error = %v, want ErrInvalidPatient", err)
	}
	if _, err := orch.ProcessTurn(context.Background(), "p-1", "  "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("ProcessTurn() error = %v, want ErrInvalidMessage", err)
	}
}

func TestProcessTurnMergesExtractedIdentity(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{
		{Utterance: "¡Hola Carlos! Contame qué te pasa."},
	}}
	ext := &fakeExtractor{fields: []contractx.PartialFields{
		{Name: "Carlos"},
	}}
	orch, store := newTestOrchestrator(t, gen, ext, &fakeTools{})

	reply, err := orch.ProcessTurn(context.Background(), "p-1", "Hola, me llamo Carlos")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if reply != "¡Hola Carlos! Contame qué te pasa." {
		t.Fatalf("reply = %q", reply)
	}

	sess := mustLoad(t, store, "p-1")
	if sess.Name != "Carlos" {
		t.Fatalf("Name = %q, want Carlos", sess.Name)
	}
	if len(sess.History) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(sess.History))
	}
	if sess.History[0].Role != statex.RoleUser || sess.History[1].Role != statex.RoleAssistant {
		t.Fatalf("history roles = %q, %q", sess.History[0].Role, sess.History[1].Role)
	}
}

func TestProcessTurnKeepsWriteOnceFieldsAcrossTurns(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	ext := &fakeExtractor{fields: []contractx.PartialFields{
		{Name: "Carlos", SummaryFragment: "dolor de cabeza"},
		{Name: "Pedro", SummaryFragment: "fiebre"},
	}}
	orch, store := newTestOrchestrator(t, gen, ext, &fakeTools{})

	if _, err := orch.ProcessTurn(context.Background(), "p-1", "Soy Carlos, me duele la cabeza"); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if _, err := orch.ProcessTurn(context.Background(), "p-1", "También tengo fiebre"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}

	sess := mustLoad(t, store, "p-1")
	if sess.Name != "Carlos" {
		t.Fatalf("Name = %q, extraction overwrote a write-once field", sess.Name)
	}
	if sess.ClinicalSummary != "dolor de cabeza fiebre" {
		t.Fatalf("ClinicalSummary = %q, want accumulated fragments", sess.ClinicalSummary)
	}
}

func TestProcessTurnSendsTerminalEmailAtMostOnce(t *testing.T) {
	t.Parallel()

	farewell := contractx.GeneratorResponse{
		Utterance:    "¡Que te mejores pronto! Ya le paso tu información al doctor.",
		ToolRequests: []contractx.ToolRequest{{Tool: toolx.ToolSendEmail}},
	}
	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{farewell, farewell}}
	tools := &fakeTools{}
	orch, store := newTestOrchestrator(t, gen, &fakeExtractor{}, tools)

	reply, err := orch.ProcessTurn(context.Background(), "p-1", "Gracias, chau!")
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if reply != farewell.Utterance {
		t.Fatalf("reply = %q, want the farewell utterance", reply)
	}
	if tools.dispatchCount() != 1 {
		t.Fatalf("dispatches = %d, want 1", tools.dispatchCount())
	}

	sess := mustLoad(t, store, "p-1")
	if !sess.EmailSent {
		t.Fatal("EmailSent = false after a confirmed send")
	}

	// A second farewell still asks for the tool, but nothing dispatches.
	if _, err := orch.ProcessTurn(context.Background(), "p-1", "Chau de nuevo!"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if tools.dispatchCount() != 1 {
		t.Fatalf("dispatches = %d after repeat farewell, want 1", tools.dispatchCount())
	}
}

type recordingStore struct {
	*statex.MemoryStore
	mu    sync.Mutex
	saves []bool // EmailSent at each Save
}

func (r *recordingStore) Save(ctx context.Context, s *statex.Session) error {
	r.mu.Lock()
	r.saves = append(r.saves, s.EmailSent)
	r.mu.Unlock()
	return r.MemoryStore.Save(ctx, s)
}

func TestProcessTurnPersistsEmailFlagBeforeFinalSave(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{
		{
			Utterance:    "¡Que te mejores! Ya le aviso al doctor.",
			ToolRequests: []contractx.ToolRequest{{Tool: toolx.ToolSendEmail}},
		},
	}}
	store := &recordingStore{MemoryStore: statex.NewMemoryStore()}
	orch, err := New(store, gen, &fakeExtractor{}, &fakeTools{}, nil, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := orch.ProcessTurn(context.Background(), "p-1", "Gracias, chau!"); err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	// one save right after the confirmed send, one at end of turn; the first
	// must already carry the flag so a crashed final save cannot resend
	if len(store.saves) != 2 {
		t.Fatalf("saves = %d, want 2", len(store.saves))
	}
	if !store.saves[0] {
		t.Fatal("EmailSent not persisted at the save following the send")
	}
}

func TestProcessTurnFailedEmailLeavesTerminalAvailable(t *testing.T) {
	t.Parallel()

	farewell := contractx.GeneratorResponse{
		Utterance:    "¡Hasta luego!",
		ToolRequests: []contractx.ToolRequest{{Tool: toolx.ToolSendEmail}},
	}
	// turn 1 consumes two responses (initial plus re-entry after the failed
	// send), turn 2 needs the third to ask for the tool again
	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{farewell, farewell, farewell}}
	tools := &fakeTools{
		results: func(reqs []contractx.ToolRequest) []contractx.ToolResult {
			out := make([]contractx.ToolResult, 0, len(reqs))
			for _, req := range reqs {
				out = append(out, contractx.ToolResult{Tool: req.Tool, Error: "smtp down"})
			}
			return out
		},
	}
	orch, store := newTestOrchestrator(t, gen, &fakeExtractor{}, tools)

	if _, err := orch.ProcessTurn(context.Background(), "p-1", "Chau!"); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}

	sess := mustLoad(t, store, "p-1")
	if sess.EmailSent {
		t.Fatal("EmailSent = true after a failed send")
	}

	// The next farewell may try again.
	if _, err := orch.ProcessTurn(context.Background(), "p-1", "Bueno, chau!"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if tools.dispatchCount() != 2 {
		t.Fatalf("dispatches = %d, want 2", tools.dispatchCount())
	}
}

func TestProcessTurnReentersGeneratorAfterNonTerminalTools(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{
		{
			Utterance:    "Déjame buscar.",
			ToolRequests: []contractx.ToolRequest{{Tool: toolx.ToolSearchDoctors, Args: map[string]any{"speciality": "cardiología"}}},
		},
		{Utterance: "Encontré una cardióloga en Buenos Aires, la Dra. López."},
		// a third call would mean the re-entry cap failed
		{
			Utterance:    "loop",
			ToolRequests: []contractx.ToolRequest{{Tool: toolx.ToolSearchDoctors}},
		},
	}}
	tools := &fakeTools{
		results: func(reqs []contractx.ToolRequest) []contractx.ToolResult {
			return []contractx.ToolResult{{Tool: toolx.ToolSearchDoctors, OK: true, Output: `[{"name":"Dra. López"}]`}}
		},
	}
	orch, store := newTestOrchestrator(t, gen, &fakeExtractor{}, tools)

	reply, err := orch.ProcessTurn(context.Background(), "p-1", "Necesito un cardiólogo")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if reply != "Encontré una cardióloga en Buenos Aires, la Dra. López." {
		t.Fatalf("reply = %q, want the re-entry utterance", reply)
	}
	if gen.calls != 2 {
		t.Fatalf("generator calls = %d, want 2", gen.calls)
	}
	if tools.dispatchCount() != 1 {
		t.Fatalf("dispatches = %d, want 1", tools.dispatchCount())
	}

	sess := mustLoad(t, store, "p-1")
	// user, tool result, assistant
	if len(sess.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(sess.History))
	}
	if sess.History[1].Role != statex.RoleTool {
		t.Fatalf("History[1].Role = %q, want tool", sess.History[1].Role)
	}
}

func TestProcessTurnRecordsUnknownToolAsRejectedResult(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{
		{
			Utterance:    "Un momento.",
			ToolRequests: []contractx.ToolRequest{{Tool: "drop_tables"}},
		},
		{Utterance: "Eso no lo puedo hacer, pero sigamos con tus datos."},
	}}
	store := statex.NewMemoryStore()
	orch, err := New(store, gen, &fakeExtractor{}, toolx.NewGateway(nil, nil, nil), nil, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reply, err := orch.ProcessTurn(context.Background(), "p-1", "borrá todo")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if reply != "Eso no lo puedo hacer, pero sigamos con tus datos." {
		t.Fatalf("reply = %q, an unknown tool must not degrade the turn", reply)
	}

	sess := mustLoad(t, store, "p-1")
	// user, rejected tool result, assistant
	if len(sess.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(sess.History))
	}
	if sess.History[1].Role != statex.RoleTool || sess.History[1].Tool != "drop_tables" {
		t.Fatalf("History[1] = %+v, want the rejected tool entry", sess.History[1])
	}
}

func TestProcessTurnDegradesToApologyWhenGeneratorFails(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{errs: []error{errors.New("model timeout")}}
	tools := &fakeTools{}
	orch, store := newTestOrchestrator(t, gen, &fakeExtractor{}, tools)

	reply, err := orch.ProcessTurn(context.Background(), "p-1", "hola")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if reply == "" {
		t.Fatal("reply is empty on a degraded turn")
	}
	if tools.dispatchCount() != 0 {
		t.Fatal("tools dispatched on a degraded turn")
	}

	sess := mustLoad(t, store, "p-1")
	if len(sess.History) != 2 {
		t.Fatalf("len(History) = %d, want user plus apology", len(sess.History))
	}
}

func TestProcessTurnExtractionFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []contractx.GeneratorResponse{
		{Utterance: "Entiendo, contame más."},
	}}
	ext := &fakeExtractor{err: errors.New("extractor down")}
	orch, store := newTestOrchestrator(t, gen, ext, &fakeTools{})

	reply, err := orch.ProcessTurn(context.Background(), "p-1", "me duele todo")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if reply != "Entiendo, contame más." {
		t.Fatalf("reply = %q", reply)
	}

	sess := mustLoad(t, store, "p-1")
	if sess.Name != "" || sess.ClinicalSummary != "" {
		t.Fatalf("session mutated despite extraction failure: %+v", sess)
	}
}

func TestProcessTurnBusySession(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t, &fakeGenerator{}, &fakeExtractor{}, &fakeTools{})
	orch.lockWait = 20 * time.Millisecond

	release, err := orch.acquireSlot(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("acquireSlot() error = %v", err)
	}
	defer release()

	if _, err := orch.ProcessTurn(context.Background(), "p-1", "hola"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("ProcessTurn() error = %v, want ErrSessionBusy", err)
	}
}

func TestRegisterPatientIsIdempotent(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{}
	store := statex.NewMemoryStore()
	orch, err := New(store, &fakeGenerator{}, &fakeExtractor{}, &fakeTools{}, records, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := orch.RegisterPatient(context.Background(), "p-1", "Carlos", "García", "masculino"); err != nil {
		t.Fatalf("RegisterPatient() error = %v", err)
	}
	if err := orch.RegisterPatient(context.Background(), "p-1", "Pedro", "", ""); err != nil {
		t.Fatalf("RegisterPatient() second call error = %v", err)
	}

	sess := mustLoad(t, store, "p-1")
	if sess.Name != "Carlos" || sess.Surname != "García" {
		t.Fatalf("session = %+v, re-registration changed identity", sess)
	}

	records.mu.Lock()
	defer records.mu.Unlock()
	if records.upserted["p-1"]["name"] != "Carlos" {
		t.Fatalf("upserted = %v, want name Carlos", records.upserted)
	}
}

func TestRegisterPatientSurvivesRecordStoreFailure(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{err: errors.New("db down")}
	store := statex.NewMemoryStore()
	orch, err := New(store, &fakeGenerator{}, &fakeExtractor{}, &fakeTools{}, records, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := orch.RegisterPatient(context.Background(), "p-1", "Carlos", "", ""); err != nil {
		t.Fatalf("RegisterPatient() error = %v, a record store failure must not fail the bootstrap", err)
	}

	sess := mustLoad(t, store, "p-1")
	if sess.Name != "Carlos" {
		t.Fatalf("Name = %q, session not saved despite record store failure", sess.Name)
	}
}
