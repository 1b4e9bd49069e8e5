package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/bordereaux/internal/domain"
	"github.com/ignite/bordereaux/internal/pipeline"
	"github.com/ignite/bordereaux/internal/storage"
)

const maxUploadBytes = 100 << 20

// fileView is the JSON shape of a file record.
type fileView struct {
	ID            int64      `json:"id"`
	Filename      string     `json:"filename"`
	FileSize      int64      `json:"file_size"`
	MimeType      string     `json:"mime_type,omitempty"`
	ContentHash   string     `json:"content_hash"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	Sender        string     `json:"sender,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	ProposalPath  string     `json:"proposal_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

func toFileView(f *domain.File) fileView {
	return fileView{
		ID:            f.ID,
		Filename:      f.Filename,
		FileSize:      f.FileSize,
		MimeType:      f.MimeType,
		ContentHash:   f.ContentHash,
		Status:        string(f.Status),
		ErrorMessage:  f.ErrorMessage,
		TotalRows:     f.TotalRows,
		ProcessedRows: f.ProcessedRows,
		Sender:        f.Sender,
		Subject:       f.Subject,
		ReceivedAt:    f.ReceivedAt,
		ProposalPath:  f.ProposalPath,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		ProcessedAt:   f.ProcessedAt,
	}
}

// rowView is the JSON shape of a canonical row.
type rowView struct {
	ID               int64            `json:"id"`
	RowNumber        int              `json:"row_number"`
	PolicyNumber     *string          `json:"policy_number"`
	InsuredName      *string          `json:"insured_name"`
	InceptionDate    *time.Time       `json:"inception_date"`
	ExpiryDate       *time.Time       `json:"expiry_date"`
	PremiumAmount    *float64         `json:"premium_amount"`
	Currency         *domain.Currency `json:"currency"`
	ClaimAmount      *float64         `json:"claim_amount"`
	CommissionAmount *float64         `json:"commission_amount"`
	NetPremium       *float64         `json:"net_premium"`
	BrokerName       *string          `json:"broker_name"`
	ProductType      *string          `json:"product_type"`
	CoverageType     *string          `json:"coverage_type"`
	RiskLocation     *string          `json:"risk_location"`
	RawData          string           `json:"raw_data,omitempty"`
}

func toRowView(r domain.Row) rowView {
	return rowView{
		ID:               r.ID,
		RowNumber:        r.RowNumber,
		PolicyNumber:     r.PolicyNumber,
		InsuredName:      r.InsuredName,
		InceptionDate:    r.InceptionDate,
		ExpiryDate:       r.ExpiryDate,
		PremiumAmount:    r.PremiumAmount,
		Currency:         r.Currency,
		ClaimAmount:      r.ClaimAmount,
		CommissionAmount: r.CommissionAmount,
		NetPremium:       r.NetPremium,
		BrokerName:       r.BrokerName,
		ProductType:      r.ProductType,
		CoverageType:     r.CoverageType,
		RiskLocation:     r.RiskLocation,
		RawData:          r.RawData,
	}
}

type uploadItem struct {
	Filename    string           `json:"filename"`
	FileID      int64            `json:"file_id,omitempty"`
	IsDuplicate bool             `json:"is_duplicate"`
	Status      string           `json:"status,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      *pipeline.Result `json:"result,omitempty"`
}

// UploadFiles accepts one or more multipart files, saves each, and runs the
// pipeline synchronously per saved file. Duplicates are reported, not
// reprocessed.
func (h *Handlers) UploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files in request")
		return
	}

	batchID := uuid.NewString()
	ctx := r.Context()
	items := make([]uploadItem, 0, len(headers))
	for _, fh := range headers {
		item := uploadItem{Filename: fh.Filename}

		src, err := fh.Open()
		if err != nil {
			item.Error = err.Error()
			items = append(items, item)
			continue
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			item.Error = err.Error()
			items = append(items, item)
			continue
		}

		// Fixed subject: type inference reads the subject, and upload
		// filenames must not narrow template matching by inferred type.
		res, err := h.store.Save(ctx, storage.SaveRequest{
			Data:     data,
			Filename: fh.Filename,
			Sender:   "web_upload",
			Subject:  "Web Upload",
		})
		if err != nil {
			item.Error = err.Error()
			items = append(items, item)
			continue
		}

		item.FileID = res.FileID
		item.IsDuplicate = res.IsDuplicate
		item.Status = string(res.Status)
		if res.IsDuplicate {
			items = append(items, item)
			continue
		}

		if err := h.store.MarkReceived(ctx, res.FileID); err != nil {
			log.Printf("[api] warn: mark received file %d: %v", res.FileID, err)
		}
		pr, err := h.pipeline.ProcessFile(ctx, res.FileID)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Result = pr
			item.Status = string(pr.Status)
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"results":  items,
	})
}

// ListFiles returns file records newest first, filtered by ?status= with
// ?limit= and ?offset= pagination.
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	filter := storage.ListFilter{Status: r.URL.Query().Get("status")}
	if filter.Status != "" && !domain.ValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "unknown status "+filter.Status)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	files, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]fileView, 0, len(files))
	for i := range files {
		views = append(views, toFileView(&files[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": total,
		"files": views,
	})
}

// GetFile returns one file record with its persisted rows.
func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	f, err := h.store.Get(r.Context(), id)
	if err != nil {
		fileError(w, err)
		return
	}
	rows, err := h.store.ListRows(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]rowView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toRowView(row))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file": toFileView(f),
		"rows": views,
	})
}

// ListFileErrors returns the persisted validation errors for a file.
func (h *Handlers) ListFileErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		fileError(w, err)
		return
	}
	errs, err := h.store.ListValidationErrors(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type errView struct {
		RowIndex   int    `json:"row_index"`
		ErrorCode  string `json:"error_code"`
		Message    string `json:"error_message"`
		FieldName  string `json:"field_name,omitempty"`
		FieldValue string `json:"field_value,omitempty"`
		RuleName   string `json:"rule_name,omitempty"`
	}
	views := make([]errView, 0, len(errs))
	for _, e := range errs {
		views = append(views, errView{
			RowIndex:   e.RowIndex,
			ErrorCode:  e.ErrorCode,
			Message:    e.Message,
			FieldName:  e.FieldName,
			FieldValue: e.FieldValue,
			RuleName:   e.RuleName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":      id,
		"total_errors": len(views),
		"errors":       views,
	})
}

// ReprocessFile re-runs the pipeline for a stored file.
func (h *Handlers) ReprocessFile(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	res, err := h.pipeline.ProcessFile(r.Context(), id)
	if err != nil {
		fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteFile removes the file record, its rows and errors, and the stored
// bytes.
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return 0, false
	}
	return id, true
}

func fileError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
