package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/livecopilot/internal/capture"
	"github.com/MrWong99/livecopilot/internal/session"
)

// maxBody bounds request bodies of the control plane.
const maxBody = 4 << 10

const msgStartAborted = "Session start was cancelled by a stop request."

type startRequest struct {
	Mode    string `json:"mode"`
	Persona string `json:"persona"`
}

type personaRequest struct {
	Persona string `json:"persona"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

// handleStart starts a session and answers once it is live or has failed.
// A start while a session is already active returns the current snapshot.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	mode := a.defaultMode
	if req.Mode != "" {
		m, err := capture.ParseMode(req.Mode)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		mode = m
	}
	var persona session.Persona
	if req.Persona != "" {
		p, err := session.ParsePersona(req.Persona)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		persona = p
	}

	err := a.engine.Start(r.Context(), session.Request{Mode: mode, Persona: persona})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a.engine.Snapshot())
	case errors.Is(err, r.Context().Err()):
		// Client went away; the attempt continues and is visible on /events.
		slog.Debug("start request abandoned", "err", err)
	case errors.Is(err, session.ErrAborted):
		// A stop arrived before the session went live.
		writeJSON(w, http.StatusConflict, errorResponse{Error: msgStartAborted})
	default:
		msg := session.UserMessage(err)
		if msg == "" {
			msg = err.Error()
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: msg})
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

func (a *App) handlePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := a.engine.Reconfigure(r.Context(), session.Persona(req.Persona)); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrEngineClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	a.hub.Serve(w, r, a.engine.Snapshot())
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
