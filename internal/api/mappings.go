package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/bordereaux/internal/domain"
	"github.com/ignite/bordereaux/internal/proposal"
	"github.com/ignite/bordereaux/internal/template"
)

// templateView is the JSON shape of a template.
type templateView struct {
	TemplateID     string            `json:"template_id"`
	Name           string            `json:"name"`
	Carrier        string            `json:"carrier,omitempty"`
	FileType       string            `json:"file_type"`
	Pattern        string            `json:"pattern,omitempty"`
	ColumnMappings map[string]string `json:"column_mappings"`
	Version        string            `json:"version"`
	Active         bool              `json:"active_flag"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func toTemplateView(t *domain.Template) templateView {
	return templateView{
		TemplateID:     t.TemplateID,
		Name:           t.Name,
		Carrier:        t.Carrier,
		FileType:       string(t.FileType),
		Pattern:        t.Pattern,
		ColumnMappings: t.ColumnMappings,
		Version:        t.Version,
		Active:         t.Active,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// templateRequest is the write shape for template create and edit. Pointer
// fields distinguish "absent" from "zero" so edits can be partial.
type templateRequest struct {
	TemplateID     string            `json:"template_id"`
	Name           *string           `json:"name"`
	Carrier        *string           `json:"carrier"`
	FileType       *string           `json:"file_type"`
	Pattern        *string           `json:"pattern"`
	ColumnMappings map[string]string `json:"column_mappings"`
	Version        *string           `json:"version"`
	Active         *bool             `json:"active_flag"`
}

func validateMappings(m map[string]string) error {
	if len(m) == 0 {
		return fmt.Errorf("column_mappings must not be empty")
	}
	for col, field := range m {
		if !domain.IsCanonicalField(field) {
			return fmt.Errorf("column %q maps to unknown field %q", col, field)
		}
	}
	return nil
}

// ListTemplates returns every template, newest first.
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]templateView, 0, len(templates))
	for i := range templates {
		views = append(views, toTemplateView(&templates[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     len(views),
		"templates": views,
	})
}

// UploadTemplate registers a new template. An existing template_id yields 409.
func (h *Handlers) UploadTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template json")
		return
	}
	t, err := templateFromRequest(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.templates.Create(r.Context(), t); err != nil {
		templateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplateView(t))
}

// GetProposal returns the mapping proposal written for a file awaiting a
// template.
func (h *Handlers) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	f, err := h.store.Get(r.Context(), id)
	if err != nil {
		fileError(w, err)
		return
	}
	if f.ProposalPath == "" {
		writeError(w, http.StatusNotFound, "file has no mapping proposal")
		return
	}
	p, err := proposal.LoadProposal(f.ProposalPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SaveProposalAsTemplate creates a template from an operator-edited proposal
// and immediately re-runs the pipeline for the file.
func (h *Handlers) SaveProposalAsTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		fileError(w, err)
		return
	}

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template json")
		return
	}
	t, err := templateFromRequest(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.templates.Create(r.Context(), t); err != nil {
		templateError(w, err)
		return
	}

	res, err := h.pipeline.ProcessFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"template": toTemplateView(t),
		"result":   res,
	})
}

// GetTemplate returns one template for editing.
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		templateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateView(t))
}

// EditTemplate applies a partial update to an existing template. Absent
// fields keep their current value.
func (h *Handlers) EditTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "id")
	t, err := h.templates.Get(r.Context(), templateID)
	if err != nil {
		templateError(w, err)
		return
	}

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template json")
		return
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Carrier != nil {
		t.Carrier = *req.Carrier
	}
	if req.FileType != nil {
		ft := domain.ParseFileType(*req.FileType)
		if ft == "" {
			writeError(w, http.StatusBadRequest, "unknown file_type "+*req.FileType)
			return
		}
		t.FileType = ft
	}
	if req.Pattern != nil {
		t.Pattern = *req.Pattern
	}
	if req.ColumnMappings != nil {
		if err := validateMappings(req.ColumnMappings); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t.ColumnMappings = req.ColumnMappings
	}
	if req.Version != nil {
		t.Version = *req.Version
	}
	if req.Active != nil {
		t.Active = *req.Active
	}

	if err := h.templates.Update(r.Context(), t); err != nil {
		templateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateView(t))
}

// DeleteTemplate removes a template and its sidecar.
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "id")
	if err := h.templates.Delete(r.Context(), templateID); err != nil {
		templateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": templateID})
}

func templateFromRequest(req *templateRequest) (*domain.Template, error) {
	if req.TemplateID == "" {
		return nil, fmt.Errorf("template_id is required")
	}
	if err := validateMappings(req.ColumnMappings); err != nil {
		return nil, err
	}

	t := &domain.Template{
		TemplateID:     req.TemplateID,
		ColumnMappings: req.ColumnMappings,
		Active:         true,
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if t.Name == "" {
		t.Name = req.TemplateID
	}
	if req.Carrier != nil {
		t.Carrier = *req.Carrier
	}
	if req.FileType != nil && *req.FileType != "" {
		ft := domain.ParseFileType(*req.FileType)
		if ft == "" {
			return nil, fmt.Errorf("unknown file_type %q", *req.FileType)
		}
		t.FileType = ft
	}
	if req.Pattern != nil {
		t.Pattern = *req.Pattern
	}
	if req.Version != nil {
		t.Version = *req.Version
	}
	if req.Active != nil {
		t.Active = *req.Active
	}
	return t, nil
}

func templateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, template.ErrNotFound):
		writeError(w, http.StatusNotFound, "template not found")
	case errors.Is(err, template.ErrConflict):
		writeError(w, http.StatusConflict, "template id already exists")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
