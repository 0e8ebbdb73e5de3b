package main

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"signflow/artifacts"
	"signflow/signing"
)

// maxSubmitBytes leaves room for a base64 data URL of the largest accepted
// signature image.
const maxSubmitBytes = 8 << 20

const maxReasonRunes = 1000

type signPage struct {
	ClientName   string
	TemplateType string
	PreviewURL   string
	SubmitURL    string
	DeclineURL   string
	ExpiresAt    string
}

func (s *Server) handleSignPage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	preview, err := s.signing.Open(r.Context(), token, signingClient(r))
	if err != nil {
		s.writePageError(w, r, err, textUnavailable)
		return
	}

	s.renderPage(w, r, "sign.html", signPage{
		ClientName:   preview.Request.ClientName,
		TemplateType: preview.Request.TemplateType,
		PreviewURL:   artifactURL(preview.Path),
		SubmitURL:    "/v1/sign/" + token,
		DeclineURL:   "/v1/sign/" + token + "/decline",
		ExpiresAt:    preview.Request.ExpiresAt.Format("January 2, 2006"),
	})
}

type submitRequest struct {
	Signature string `json:"signature"`
	Consent   bool   `json:"consent"`
}

type submitResponse struct {
	Message     string `json:"message"`
	RedirectURL string `json:"redirect_url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	var body submitRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	token := chi.URLParam(r, "token")
	if _, err := s.signing.Submit(r.Context(), token, signing.SubmitParams{
		SignatureData: body.Signature,
		Consent:       body.Consent,
		Client:        signingClient(r),
	}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Message:     "Document signed successfully",
		RedirectURL: s.signing.FinalReviewURL(token),
	})
}

type declineRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body declineRequest
	// an empty body declines without a reason
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if runes := []rune(reason); len(runes) > maxReasonRunes {
		reason = string(runes[:maxReasonRunes])
	}

	if _, err := s.signing.Decline(r.Context(), chi.URLParam(r, "token"), reason, signingClient(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Signature request declined"})
}

type finalPage struct {
	ClientName   string
	TemplateType string
	DocumentURL  string
	SignedAt     string
}

func (s *Server) handleFinalReview(w http.ResponseWriter, r *http.Request) {
	req, err := s.signing.FinalReview(r.Context(), chi.URLParam(r, "token"), signingClient(r))
	if err != nil {
		s.writePageError(w, r, err, textNotSigned)
		return
	}

	page := finalPage{
		ClientName:   req.ClientName,
		TemplateType: req.TemplateType,
		DocumentURL:  artifactURL(req.PDFPath),
	}
	if req.SignedAt != nil {
		page.SignedAt = req.SignedAt.Format("January 2, 2006 15:04 MST")
	}
	s.renderPage(w, r, "final.html", page)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	kind := artifacts.Kind(chi.URLParam(r, "kind"))
	name := chi.URLParam(r, "name")
	rel := chi.URLParam(r, "date") + "/" + name

	f, err := s.artifacts.Open(kind, rel)
	if err != nil {
		s.writeArtifactError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeArtifactError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+strings.ReplaceAll(name, `"`, "")+`"`)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "render page failed", "page", name, "error", err)
	}
}

// artifactURL maps a store-relative path ("signed/20261018/x.pdf") to the
// route serving it.
func artifactURL(rel string) string {
	if rel == "" {
		return ""
	}
	return "/v1/artifacts/" + path.Clean(strings.TrimPrefix(rel, "/"))
}

