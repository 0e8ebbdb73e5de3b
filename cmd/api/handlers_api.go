package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"signflow/signing"
)

type initiateRequest struct {
	ClientName     string `json:"client_name"`
	ClientEmail    string `json:"client_email"`
	TemplateType   string `json:"template_type"`
	ExternalCaseID string `json:"external_case_id"`
	// SalesforceCaseID is the older name of ExternalCaseID.
	SalesforceCaseID   string `json:"salesforce_case_id"`
	EnvelopeDocumentID string `json:"envelope_document_id"`
}

type initiateResponse struct {
	Message    string `json:"message"`
	ID         string `json:"id"`
	Token      string `json:"token"`
	SigningURL string `json:"signing_url"`
	ExpiresAt  string `json:"expires_at"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var body initiateRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	caseID := body.ExternalCaseID
	if strings.TrimSpace(caseID) == "" {
		caseID = body.SalesforceCaseID
	}

	created, err := s.signing.Create(r.Context(), signing.CreateParams{
		ClientName:         body.ClientName,
		ClientEmail:        body.ClientEmail,
		TemplateType:       body.TemplateType,
		ExternalCaseID:     caseID,
		ExternalEnvelopeID: body.EnvelopeDocumentID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		Message:    "Signature request created",
		ID:         created.Request.ID,
		Token:      created.Token,
		SigningURL: created.SigningURL,
		ExpiresAt:  created.Request.ExpiresAt.Format(time.RFC3339),
	})
}

type envelopeRequest struct {
	Token              string `json:"token"`
	ID                 string `json:"id"`
	EnvelopeDocumentID string `json:"envelope_document_id"`
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var body envelopeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	var ref signing.Ref
	switch token, id := strings.TrimSpace(body.Token), strings.TrimSpace(body.ID); {
	case token != "" && id == "":
		ref = signing.ByToken(token)
	case id != "" && token == "":
		ref = signing.ByID(id)
	default:
		writeError(w, r, http.StatusBadRequest, codeValidation, "exactly one of token or id is required")
		return
	}

	req, err := s.signing.RecordExternalReference(r.Context(), ref, body.EnvelopeDocumentID, signing.SourceBackOffice)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req, false))
}

type deliveryFailureRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (s *Server) handleDeliveryFailure(w http.ResponseWriter, r *http.Request) {
	var body deliveryFailureRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "missing or invalid fields: id")
		return
	}

	req, err := s.signing.MarkDeliveryFailed(r.Context(), strings.TrimSpace(body.ID), strings.TrimSpace(body.Reason))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req, false))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.signing.Get(r.Context(), signing.ByID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req, true))
}

type requestResponse struct {
	ID                 string               `json:"id"`
	ClientName         string               `json:"client_name"`
	ClientEmail        string               `json:"client_email"`
	TemplateType       string               `json:"template_type"`
	ExternalCaseID     string               `json:"external_case_id"`
	ExternalEnvelopeID string               `json:"envelope_document_id,omitempty"`
	Status             string               `json:"status"`
	ExpiresAt          string               `json:"expires_at"`
	SignedAt           string               `json:"signed_at,omitempty"`
	PDFPath            string               `json:"pdf_path,omitempty"`
	CreatedAt          string               `json:"created_at"`
	UpdatedAt          string               `json:"updated_at"`
	AuditLog           []signing.AuditEntry `json:"audit_log,omitempty"`
}

func toRequestResponse(req signing.Request, withAudit bool) requestResponse {
	resp := requestResponse{
		ID:                 req.ID,
		ClientName:         req.ClientName,
		ClientEmail:        req.ClientEmail,
		TemplateType:       req.TemplateType,
		ExternalCaseID:     req.ExternalCaseID,
		ExternalEnvelopeID: req.ExternalEnvelopeID,
		Status:             string(req.EffectiveStatus(time.Now())),
		ExpiresAt:          req.ExpiresAt.Format(time.RFC3339),
		PDFPath:            req.PDFPath,
		CreatedAt:          req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          req.UpdatedAt.Format(time.RFC3339),
	}
	if req.SignedAt != nil {
		resp.SignedAt = req.SignedAt.Format(time.RFC3339)
	}
	if withAudit {
		resp.AuditLog = req.AuditLog
	}
	return resp
}

// decodeJSON reads a single JSON object. It writes the 400 itself and
// reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return false
	}
	return true
}
