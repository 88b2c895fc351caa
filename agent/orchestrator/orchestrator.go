package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	nodex "github.com/curahealth/cura-agent/agent/nodes"
	statex "github.com/curahealth/cura-agent/agent/state"
)

var (
	ErrInvalidPatient = nodex.ErrInvalidPatient
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrSessionBusy    = contractx.ErrSessionBusy
)

type Config struct {
	// Apology replaces the assistant reply when the generator fails.
	Apology string
	// LockWait bounds how long a turn waits for its patient's slot before
	// failing with ErrSessionBusy (retryable at the boundary).
	LockWait time.Duration
	// TurnTimeout bounds one full turn including all external calls.
	TurnTimeout time.Duration
}

// Orchestrator runs one request/response cycle per inbound patient message.
// Turns for different patients run concurrently; turns for the same patient
// are serialized through a per-patient slot, since the merge rules are not
// commutative under interleaving.
type Orchestrator struct {
	store     statex.Store
	generator contractx.ResponseGenerator
	extractor contractx.FieldExtractor
	tools     contractx.ToolGateway
	records   contractx.RecordStore

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	apology     string
	lockWait    time.Duration
	turnTimeout time.Duration

	slotMu sync.Mutex
	slots  map[string]chan struct{}

	now func() time.Time
}

func New(
	store statex.Store,
	generator contractx.ResponseGenerator,
	extractor contractx.FieldExtractor,
	tools contractx.ToolGateway,
	records contractx.RecordStore,
	cfg Config,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if generator == nil {
		return nil, errors.New("response generator is required")
	}
	if extractor == nil {
		return nil, errors.New("field extractor is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}

	apology := strings.TrimSpace(cfg.Apology)
	if apology == "" {
		apology = nodex.DefaultApology
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	turnTimeout := cfg.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = 90 * time.Second
	}

	o := &Orchestrator{
		store:       store,
		generator:   generator,
		extractor:   extractor,
		tools:       tools,
		records:     records,
		apology:     apology,
		lockWait:    lockWait,
		turnTimeout: turnTimeout,
		slots:       make(map[string]chan struct{}),
		now:         time.Now,
	}

	graphRunner, err := o.compileProcessTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// ProcessTurn is the inbound turn boundary: one user utterance in, one
// assistant utterance out, session invariants held throughout.
func (o *Orchestrator) ProcessTurn(ctx context.Context, patientID string, text string) (string, error) {
	if strings.TrimSpace(patientID) == "" {
		return "", ErrInvalidPatient
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrInvalidMessage
	}

	release, err := o.acquireSlot(ctx, patientID)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		PatientID: patientID,
		Text:      text,
	})
	if err != nil {
		return "", err
	}
	return out.Reply, nil
}

// RegisterPatient is the idempotent session bootstrap: it creates the
// session on first contact and fills only the explicitly supplied fields on
// an existing one, never erasing what was already collected.
func (o *Orchestrator) RegisterPatient(ctx context.Context, patientID, name, surname, sex string) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return ErrInvalidPatient
	}

	release, err := o.acquireSlot(ctx, patientID)
	if err != nil {
		return err
	}
	defer release()

	now := o.now().UTC()
	sess, err := o.store.Load(ctx, patientID)
	if err != nil {
		if !errors.Is(err, statex.ErrStateNotFound) {
			return err
		}
		sess = statex.NewSession(patientID, now)
	}

	supplied := map[string]string{
		statex.FieldName:    strings.TrimSpace(name),
		statex.FieldSurname: strings.TrimSpace(surname),
		statex.FieldSex:     strings.TrimSpace(sex),
	}
	sess.MergeExtracted(contractx.PartialFields{
		Name:    supplied[statex.FieldName],
		Surname: supplied[statex.FieldSurname],
		Sex:     supplied[statex.FieldSex],
	}, now)

	if err := o.store.Save(ctx, sess); err != nil {
		return err
	}

	if o.records != nil {
		fields := make(map[string]string, len(supplied))
		for k, v := range supplied {
			if v != "" {
				fields[k] = v
			}
		}
		if err := o.records.UpsertPatient(ctx, patientID, fields); err != nil {
			// the session is the source of truth during intake; a record
			// store hiccup does not fail the bootstrap
			log.Warn().Err(err).Str("patient_id", patientID).Msg("patient record upsert failed during bootstrap")
		}
	}
	return nil
}

/* ---------------------------- Per-patient slot --------------------------- */

func (o *Orchestrator) acquireSlot(ctx context.Context, patientID string) (func(), error) {
	o.slotMu.Lock()
	slot, ok := o.slots[patientID]
	if !ok {
		slot = make(chan struct{}, 1)
		o.slots[patientID] = slot
	}
	o.slotMu.Unlock()

	timer := time.NewTimer(o.lockWait)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-timer.C:
		return nil, ErrSessionBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
