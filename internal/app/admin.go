package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/claudmaster/internal/orchestrator"
	"github.com/MrWong99/claudmaster/internal/party"
	"github.com/MrWong99/claudmaster/internal/session"
	"github.com/MrWong99/claudmaster/internal/world/fact"
)

// registerAdmin mounts the DM-facing session lifecycle and correction
// endpoints.
func (a *App) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", a.handleSessionStart)
	mux.HandleFunc("POST /session/resume", a.handleSessionResume)
	mux.HandleFunc("POST /session/end", a.handleSessionEnd)
	mux.HandleFunc("POST /session/fact/supersede", a.handleFactSupersede)
}

// requireAdmin checks the bearer token against the configured admin token.
// An empty configured token disables the check for local setups.
func (a *App) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	want := a.cfg.Server.AdminToken
	if want == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		a.writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

type startSessionRequest struct {
	CampaignID   string              `json:"campaign_id"`
	Config       session.Config      `json:"config"`
	Agents       []string            `json:"agents,omitempty"`
	Participants []party.Participant `json:"participants"`
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := orchestrator.SessionConfig{Config: req.Config, Agents: req.Agents}
	for _, p := range req.Participants {
		cfg.Participants = append(cfg.Participants, p.ID)
	}
	sessionID, err := a.orch.StartSession(r.Context(), req.CampaignID, cfg)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionConflict) {
			a.writeError(w, http.StatusConflict, err.Error())
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.partySrv.Attach(sessionID, req.Participants); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

type resumeSessionRequest struct {
	SessionID    string              `json:"session_id"`
	Participants []party.Participant `json:"participants"`
}

func (a *App) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req resumeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.orch.ResumeSession(r.Context(), req.SessionID); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.partySrv.Attach(req.SessionID, req.Participants); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"session_id": req.SessionID})
}

type endSessionRequest struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Summary   string `json:"summary,omitempty"`
}

func (a *App) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode != "pause" && req.Mode != "end" {
		a.writeError(w, http.StatusBadRequest, `mode must be "pause" or "end"`)
		return
	}
	if err := a.orch.EndSession(r.Context(), req.SessionID, req.Mode, req.Summary); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "ended"
	if req.Mode == "pause" {
		status = "paused"
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type supersedeFactRequest struct {
	SessionID string    `json:"session_id"`
	OldFactID string    `json:"old_fact_id"`
	Fact      fact.Fact `json:"fact"`
}

// handleFactSupersede lets the DM correct an established fact. The old fact
// is retracted and every holder's knowledge of it invalidated.
func (a *App) handleFactSupersede(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req supersedeFactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.OldFactID == "" {
		a.writeError(w, http.StatusBadRequest, "session_id and old_fact_id are required")
		return
	}
	stored, err := a.orch.SupersedeFact(req.SessionID, req.OldFactID, req.Fact)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, fact.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownSession):
			status = http.StatusNotFound
		case errors.Is(err, fact.ErrSuperseded):
			status = http.StatusConflict
		}
		a.writeError(w, status, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"fact_id": stored.ID})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn("write response failed", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
