// Package httpapi implements the HTTP surface of spec.md §6:
// connect/disconnect, audit, optimize, and mission-progress endpoints,
// with problem+json error bodies carrying a code from the closed
// taxonomy of §7. Grounded on the teacher's direct gorilla/mux +
// gorilla/handlers dependencies, used here for the same purpose they
// serve upstream: an HTTP router wrapped in an access-log middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	uuid "github.com/satori/go.uuid"

	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/dispatcher"
	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/llmprovider"
	"github.com/qbeam/beamopt/internal/mission"
	"github.com/qbeam/beamopt/internal/pathology"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/report"
	"github.com/qbeam/beamopt/internal/session"
	"github.com/qbeam/beamopt/internal/sqlmodel"
	"github.com/qbeam/beamopt/internal/telemetry"
)

// Problem is a problem+json error body (spec.md §6: "Errors use
// problem+json with a code from a closed taxonomy (§7)").
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

const problemContentType = "application/problem+json"

func writeProblem(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   "about:blank",
		Title:  code,
		Status: status,
		Code:   code,
		Detail: detail,
	})
}

// Server bundles the process-wide, read-only collaborators every
// request handler needs, plus the live session/mission registries the
// orchestrator owns exclusively while a request is in flight.
type Server struct {
	Catalog  *catalog.Registry
	Provider llmprovider.Provider
	Parser   sqlmodel.Parser
	Config   mission.Config

	mu       sync.Mutex
	sessions map[string]sessionEntry
	missions map[string]*mission.Mission
}

type sessionEntry struct {
	sess    session.Session
	dialect sqlmodel.Dialect
}

// New builds a Server ready to be wrapped in an http.Handler via Router.
func New(reg *catalog.Registry, provider llmprovider.Provider, parser sqlmodel.Parser, cfg mission.Config) *Server {
	return &Server{
		Catalog:  reg,
		Provider: provider,
		Parser:   parser,
		Config:   cfg,
		sessions: map[string]sessionEntry{},
		missions: map[string]*mission.Mission{},
	}
}

// Router builds the mux.Router and wraps it with gorilla/handlers'
// combined access-log middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/connect/{dialect}", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect/{session_id}", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/audit", s.handleAudit).Methods(http.MethodPost)
	r.HandleFunc("/optimize", s.handleOptimize).Methods(http.MethodPost)
	r.HandleFunc("/mission/{id}", s.handleMission).Methods(http.MethodGet)
	return handlers.CombinedLoggingHandler(telemetry.Logger.Writer(), r)
}

type connectRequest struct {
	DSN string `json:"dsn"`
}

type connectResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	dialectParam := mux.Vars(r)["dialect"]
	dialect, err := parseDialect(dialectParam)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "CONNECT_FAILED", err.Error())
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "CONNECT_FAILED", "invalid request body")
		return
	}

	sess, err := session.Connect(r.Context(), planmodel.Dialect(dialect), req.DSN)
	if err != nil {
		writeProblem(w, http.StatusBadGateway, "CONNECT_FAILED", err.Error())
		return
	}

	id, uerr := uuid.NewV4()
	if uerr != nil {
		id = uuid.Nil
	}
	sessionID := id.String()

	s.mu.Lock()
	s.sessions[sessionID] = sessionEntry{sess: sess, dialect: dialect}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, connectResponse{SessionID: sessionID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		writeProblem(w, http.StatusNotFound, "CONNECT_FAILED", "unknown session_id")
		return
	}
	if err := entry.sess.Close(); err != nil {
		writeProblem(w, http.StatusInternalServerError, "CONNECT_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type auditRequest struct {
	SessionID string `json:"session_id"`
	SQL       string `json:"sql"`
}

type auditResponse struct {
	Pathologies []string            `json:"pathologies"`
	Plan        *planmodel.PlanTree `json:"plan"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "BASELINE_FAILED", "invalid request body")
		return
	}

	entry, ok := s.lookupSession(req.SessionID)
	if !ok {
		writeProblem(w, http.StatusNotFound, "CONNECT_FAILED", "unknown session_id")
		return
	}

	plan, err := entry.sess.Explain(r.Context(), req.SQL, true)
	if err != nil && !errorsx.PlanParseFailed.Is(err) {
		writeProblem(w, http.StatusUnprocessableEntity, "BASELINE_FAILED", err.Error())
		return
	}

	stmt, err := s.Parser.Parse(req.SQL, entry.dialect)
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "BASELINE_FAILED", err.Error())
		return
	}

	var derived planmodel.Derived
	if plan != nil {
		derived = planmodel.Derive(plan)
	}
	registry := pathology.NewRegistry(s.Catalog)
	matches := registry.Detect(pathology.Query{Statement: stmt}, plan, derived)

	var ids []string
	for _, m := range matches {
		ids = append(ids, m.PathologyID)
	}
	writeJSON(w, http.StatusOK, auditResponse{Pathologies: ids, Plan: plan})
}

type optimizeRequest struct {
	SessionID  string `json:"session_id"`
	SQL        string `json:"sql"`
	Mode       string `json:"mode"`
	Importance int    `json:"importance"`
}

type optimizeResponse struct {
	MissionID string `json:"mission_id"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "BASELINE_FAILED", "invalid request body")
		return
	}

	entry, ok := s.lookupSession(req.SessionID)
	if !ok {
		writeProblem(w, http.StatusNotFound, "CONNECT_FAILED", "unknown session_id")
		return
	}

	m := mission.New(req.SQL, entry.dialect, mission.Mode(orDefault(req.Mode, string(mission.ModeBeam))), dispatcher.Importance(orDefaultInt(req.Importance, 1)))

	s.mu.Lock()
	s.missions[m.ID] = m
	s.mu.Unlock()

	deps := mission.Deps{
		Sessions: []session.Session{entry.sess},
		Catalog:  s.Catalog,
		Provider: s.Provider,
		Parser:   s.Parser,
		Config:   s.Config,
	}

	go func() {
		deadline := s.Config.MissionDeadline
		if deadline <= 0 {
			deadline = 300 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		mission.Run(ctx, m, deps)
	}()

	writeJSON(w, http.StatusAccepted, optimizeResponse{MissionID: m.ID})
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	m, ok := s.missions[id]
	s.mu.Unlock()

	if !ok {
		writeProblem(w, http.StatusNotFound, "MISSION_DEADLINE", "unknown mission id")
		return
	}
	writeJSON(w, http.StatusOK, report.FromMission(m))
}

func (s *Server) lookupSession(id string) (sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	return e, ok
}

func parseDialect(raw string) (sqlmodel.Dialect, error) {
	switch raw {
	case "duckdb":
		return sqlmodel.DialectDuckDB, nil
	case "postgres":
		return sqlmodel.DialectPostgres, nil
	default:
		return "", errorsx.ConnectFailed.New("unknown dialect " + raw)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
