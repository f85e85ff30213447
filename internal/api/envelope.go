// Package api implements the CLI/Robot API (§6): the stable JSON-envelope
// contract that the out-of-scope CLI, MCP tool wrapper, and TUI are all
// meant to call. It is a thin seam over the core components — no business
// logic lives here that the Watcher's collaborators don't already own.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/ferr"
)

// version is the contract version reported in every envelope, the same
// plain string constant the teacher's transport layer would bump by hand
// rather than wiring up a build-info/ldflags pipeline for a single-binary
// daemon API.
const version = "0.1.0"

// Envelope is the stable response shape every operation returns, per §6:
// {ok, data?, error?:{code,message,hint}, elapsed_ms, version}.
type Envelope struct {
	OK        bool           `json:"ok"`
	Data      any            `json:"data,omitempty"`
	Error     *EnvelopeError `json:"error,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Version   string         `json:"version"`
}

// EnvelopeError mirrors ferr.Error's code/message/hint, domain-prefixed
// snake_case per §6 "Error-code naming".
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeOK(w http.ResponseWriter, start time.Time, data any) {
	writeEnvelope(w, start, data, nil)
}

func writeErr(w http.ResponseWriter, start time.Time, err error) {
	writeEnvelope(w, start, nil, err)
}

func writeEnvelope(w http.ResponseWriter, start time.Time, data any, err error) {
	env := Envelope{
		Data:      data,
		ElapsedMS: time.Since(start).Milliseconds(),
		Version:   version,
	}
	if err == nil {
		env.OK = true
	} else {
		env.OK = false
		env.Error = toEnvelopeError(err)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

// toEnvelopeError translates a categorised *ferr.Error into the wire shape;
// any other error (a decode failure, a programmer bug surfacing raw) is
// wrapped under a generic api.internal code rather than leaking Go error
// text as a "code".
func toEnvelopeError(err error) *EnvelopeError {
	if fe, ok := err.(*ferr.Error); ok {
		return &EnvelopeError{Code: fe.Code, Message: fe.Message, Hint: fe.Hint}
	}
	return &EnvelopeError{Code: "api.internal", Message: err.Error()}
}

func badRequest(w http.ResponseWriter, start time.Time, code, msg string) {
	writeErr(w, start, ferr.New(ferr.TerminalConfig, code, msg))
}
