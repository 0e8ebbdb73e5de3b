package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"signflow/artifacts"
	"signflow/signing"
	"signflow/templates"
)

// Error codes returned in {"error":{"code","message"}} bodies.
const (
	codeValidation       = "validation_error"
	codeBadRequest       = "bad_request"
	codeUnknownTemplate  = "unknown_template"
	codeInvalidSignature = "invalid_signature"
	codeConsentRequired  = "consent_required"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeExpired          = "expired"
	codeInvalidState     = "invalid_state"
	codeConflict         = "reference_conflict"
	codeTooLarge         = "payload_too_large"
	codeUnavailable      = "unavailable"
	codeInternal         = "internal_error"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError maps lifecycle errors onto API responses. Anything it
// does not recognise is logged and reported as an opaque 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *signing.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, codeValidation, "missing or invalid fields: "+strings.Join(verr.Fields, ", "))
	case errors.Is(err, templates.ErrUnknownTemplate):
		writeError(w, r, http.StatusBadRequest, codeUnknownTemplate, "unknown template type")
	case errors.Is(err, signing.ErrInvalidSignatureData):
		writeError(w, r, http.StatusBadRequest, codeInvalidSignature, "signature image could not be read")
	case errors.Is(err, signing.ErrConsentRequired):
		writeError(w, r, http.StatusBadRequest, codeConsentRequired, "consent is required to sign")
	case errors.Is(err, signing.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "signature request not found")
	case errors.Is(err, signing.ErrExpired):
		writeError(w, r, http.StatusGone, codeExpired, "this link has expired")
	case errors.Is(err, signing.ErrInvalidState):
		writeError(w, r, http.StatusConflict, codeInvalidState, stateMessage(err))
	case errors.Is(err, signing.ErrReferenceConflict):
		writeError(w, r, http.StatusConflict, codeConflict, "a different envelope id is already recorded")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

func stateMessage(err error) string {
	var se *signing.StateError
	if errors.As(err, &se) {
		if se.Status == signing.StatusCompleted {
			return "document already signed"
		}
		return fmt.Sprintf("document is %s", strings.ToLower(se.Status.Label()))
	}
	return "document is no longer available"
}

// Client-facing texts for the signing link pages.
const (
	textInvalidLink  = "This signing link is not valid."
	textExpired      = "This link has expired."
	textUnavailable  = "This document is no longer available for signing."
	textNotSigned    = "This document has not been signed yet."
	textServerFailed = "Something went wrong. Please try again later."
)

// writePageError answers a browser navigation with plain text.
func (s *Server) writePageError(w http.ResponseWriter, r *http.Request, err error, stateText string) {
	status, text := http.StatusInternalServerError, textServerFailed
	switch {
	case errors.Is(err, signing.ErrNotFound):
		status, text = http.StatusNotFound, textInvalidLink
	case errors.Is(err, signing.ErrExpired):
		status, text = http.StatusGone, textExpired
	case errors.Is(err, signing.ErrInvalidState):
		status, text = http.StatusConflict, stateText
	default:
		s.logger.ErrorContext(r.Context(), "signing page failed",
			"request_id", requestIDFromContext(r.Context()), "error", err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

func (s *Server) writeArtifactError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, artifacts.ErrInvalidPath):
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid artifact path")
	case errors.Is(err, artifacts.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "artifact not found")
	default:
		s.logger.ErrorContext(r.Context(), "artifact read failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
