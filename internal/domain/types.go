// Package domain holds the core entities of the ingestion pipeline: files,
// canonical rows, validation errors, templates, and mapping proposals.
package domain

import (
	"time"
)

// FileStatus is the processing state of an ingested bordereaux file.
type FileStatus string

const (
	StatusPending             FileStatus = "pending"
	StatusReceived            FileStatus = "received"
	StatusProcessing          FileStatus = "processing"
	StatusNewTemplateRequired FileStatus = "new_template_required"
	StatusProcessedOK         FileStatus = "processed_ok"
	StatusProcessedWithErrors FileStatus = "processed_with_errors"
	StatusFailed              FileStatus = "failed"
)

// Terminal reports whether the status marks a completed run. Terminal states
// are re-entrant: a reprocess may move the file back to processing.
func (s FileStatus) Terminal() bool {
	switch s {
	case StatusProcessedOK, StatusProcessedWithErrors, StatusFailed:
		return true
	}
	return false
}

// ValidStatus reports whether s is one of the known file statuses.
func ValidStatus(s string) bool {
	switch FileStatus(s) {
	case StatusPending, StatusReceived, StatusProcessing,
		StatusNewTemplateRequired, StatusProcessedOK,
		StatusProcessedWithErrors, StatusFailed:
		return true
	}
	return false
}

// FileType classifies a bordereau by the business it reports.
type FileType string

const (
	FileTypeClaims   FileType = "claims"
	FileTypePremium  FileType = "premium"
	FileTypeExposure FileType = "exposure"
)

// ParseFileType returns the FileType for s, or "" if s is not a known type.
func ParseFileType(s string) FileType {
	switch FileType(s) {
	case FileTypeClaims, FileTypePremium, FileTypeExposure:
		return FileType(s)
	}
	return ""
}

// Currency is an ISO 4217 code from the closed set the pipeline accepts.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	JPY Currency = "JPY"
	CHF Currency = "CHF"
	ZAR Currency = "ZAR"
	NGN Currency = "NGN"
	GHS Currency = "GHS"
	KES Currency = "KES"
)

// Currencies lists every supported currency code.
var Currencies = []Currency{USD, EUR, GBP, CAD, AUD, JPY, CHF, ZAR, NGN, GHS, KES}

// File is the metadata record for one ingested file, unique by content hash.
type File struct {
	ID            int64
	Filename      string
	FilePath      string
	FileSize      int64
	MimeType      string
	ContentHash   string
	Status        FileStatus
	ErrorMessage  string
	TotalRows     int
	ProcessedRows int
	Sender        string
	Subject       string
	ReceivedAt    *time.Time
	ProposalPath  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
}

// Row is one validated canonical bordereaux row. All canonical fields are
// nullable; a Row exists only if it passed validation.
type Row struct {
	ID     int64
	FileID int64

	PolicyNumber     *string
	InsuredName      *string
	InceptionDate    *time.Time
	ExpiryDate       *time.Time
	PremiumAmount    *float64
	Currency         *Currency
	ClaimAmount      *float64
	CommissionAmount *float64
	NetPremium       *float64
	BrokerName       *string
	ProductType      *string
	CoverageType     *string
	RiskLocation     *string

	RowNumber int
	RawData   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RowError is a single rule failure found during validation. It is data,
// not a Go error: failures accumulate and are persisted alongside the file.
type RowError struct {
	RowIndex   int    `json:"row_index"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"error_message"`
	FieldName  string `json:"field_name"`
	FieldValue string `json:"field_value"`
	RuleName   string `json:"rule_name"`
}

// ValidationError is a persisted RowError bound to a file.
type ValidationError struct {
	ID         int64
	FileID     int64
	RowIndex   int
	ErrorCode  string
	Message    string
	FieldName  string
	FieldValue string
	RuleName   string
	CreatedAt  time.Time
}

// Template maps a specific source's headers to canonical fields.
type Template struct {
	ID             int64
	TemplateID     string
	Name           string
	Carrier        string
	FileType       FileType
	Pattern        string
	ColumnMappings map[string]string
	Version        string
	Active         bool
	JSONFilePath   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Proposal is a machine-generated draft template for a file that matched no
// active template. It lives on disk only; the file row points at it.
type Proposal struct {
	FileID           int64              `json:"file_id"`
	CreatedAt        string             `json:"created_at"`
	FileHeaders      []string           `json:"file_headers"`
	ColumnMappings   map[string]string  `json:"column_mappings"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	Metadata         map[string]string  `json:"metadata"`
}
