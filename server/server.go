package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	orchestratorx "github.com/curahealth/cura-agent/agent/orchestrator"
)

// TurnService is the part of the orchestrator the HTTP layer needs.
type TurnService interface {
	ProcessTurn(ctx context.Context, patientID, text string) (string, error)
	RegisterPatient(ctx context.Context, patientID, name, surname, sex string) error
}

type Config struct {
	Addr            string        `envconfig:"ADDR" split_words:"true" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" split_words:"true" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" split_words:"true" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
}

type Server struct {
	svc  TurnService
	http *http.Server
	cfg  Config
}

func New(svc TurnService, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, errors.New("turn service is required")
	}

	s := &Server{svc: svc, cfg: cfg}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Post("/chat", s.handleChat)
	router.Post("/patients", s.handleRegisterPatient)
	router.Get("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then drains in-flight turns.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

/* ------------------------------- Handlers -------------------------------- */

type chatRequest struct {
	PatientID string `json:"patient_id"`
	Text      string `json:"text"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type registerPatientRequest struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name,omitempty"`
	Surname   string `json:"surname,omitempty"`
	Sex       string `json:"sex,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	reply, err := s.svc.ProcessTurn(r.Context(), req.PatientID, req.Text)
	if err != nil {
		writeTurnError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

func (s *Server) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req registerPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.svc.RegisterPatient(r.Context(), req.PatientID, req.Name, req.Surname, req.Sex); err != nil {
		writeTurnError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestratorx.ErrInvalidPatient):
		writeError(w, http.StatusBadRequest, "patient_id is required")
	case errors.Is(err, orchestratorx.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, orchestratorx.ErrSessionBusy):
		writeError(w, http.StatusConflict, "another turn for this patient is in progress, retry shortly")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("turn failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}
