// Package validate checks canonical bordereaux rows against a rule document
// and reports every failure as data rather than as Go errors.
package validate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ignite/bordereaux/internal/domain"
)

// Error codes attached to RowError records.
const (
	CodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	CodeDateValidationFailed = "DATE_VALIDATION_FAILED"
	CodeNumericFailed        = "NUMERIC_VALIDATION_FAILED"
	CodeInvalidNumeric       = "INVALID_NUMERIC_VALUE"
)

// DateRule asserts inception <= expiry when both fields are present.
type DateRule struct {
	Name           string `json:"name"`
	InceptionField string `json:"inception_field"`
	ExpiryField    string `json:"expiry_field"`
	Message        string `json:"message"`
}

// NumericRule bounds a field's value when present. Nil bounds are open.
type NumericRule struct {
	Name     string   `json:"name"`
	Field    string   `json:"field"`
	MinValue *float64 `json:"min_value,omitempty"`
	MaxValue *float64 `json:"max_value,omitempty"`
	Message  string   `json:"message"`
}

// Rules is the rule document, normally loaded from rules.json.
type Rules struct {
	RequiredFields []string      `json:"required_fields"`
	DateRules      []DateRule    `json:"date_rules"`
	NumericRules   []NumericRule `json:"numeric_rules"`
}

func f64(v float64) *float64 { return &v }

// DefaultRules returns the built-in rule set used when no rules file exists:
// policy_number required, inception before expiry, monetary amounts non-negative.
func DefaultRules() *Rules {
	return &Rules{
		RequiredFields: []string{"policy_number"},
		DateRules: []DateRule{{
			Name:           "inception_before_expiry",
			InceptionField: "inception_date",
			ExpiryField:    "expiry_date",
			Message:        "Inception date must be before or equal to expiry date",
		}},
		NumericRules: []NumericRule{
			{Name: "premium_non_negative", Field: "premium_amount", MinValue: f64(0),
				Message: "Premium amount must be greater than or equal to 0"},
			{Name: "claim_non_negative", Field: "claim_amount", MinValue: f64(0),
				Message: "Claim amount must be greater than or equal to 0"},
			{Name: "commission_non_negative", Field: "commission_amount", MinValue: f64(0),
				Message: "Commission amount must be greater than or equal to 0"},
			{Name: "net_premium_non_negative", Field: "net_premium", MinValue: f64(0),
				Message: "Net premium must be greater than or equal to 0"},
		},
	}
}

// LoadRules reads a rule document from path, falling back to the defaults if
// the file is absent or unreadable.
func LoadRules(path string) *Rules {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[validate] warn: read rules %s: %v", path, err)
		}
		return DefaultRules()
	}
	var r Rules
	if err := json.Unmarshal(data, &r); err != nil {
		log.Printf("[validate] warn: decode rules %s: %v", path, err)
		return DefaultRules()
	}
	return &r
}

// Validator applies one rule document to row batches.
type Validator struct {
	rules *Rules
}

// New creates a Validator; a nil rules argument means the defaults.
func New(rules *Rules) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Validator{rules: rules}
}

// Validate partitions rows into valid ones and error records. A row with any
// failure is excluded entirely; all of its failures are reported. Row indexes
// in the errors are 0-based positions in the input slice.
func (v *Validator) Validate(rows []domain.Row) ([]domain.Row, []domain.RowError) {
	var valid []domain.Row
	var errs []domain.RowError

	for i, row := range rows {
		rowErrs := v.checkRequired(&row, i)
		rowErrs = append(rowErrs, v.checkDates(&row, i)...)
		rowErrs = append(rowErrs, v.checkNumerics(&row, i)...)

		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
		} else {
			valid = append(valid, row)
		}
	}
	return valid, errs
}

func (v *Validator) checkRequired(row *domain.Row, idx int) []domain.RowError {
	var errs []domain.RowError
	for _, field := range v.rules.RequiredFields {
		if _, present := fieldString(row, field); !present {
			errs = append(errs, domain.RowError{
				RowIndex:  idx,
				ErrorCode: CodeRequiredFieldMissing,
				Message:   fmt.Sprintf("Required field '%s' is missing or null", field),
				FieldName: field,
				RuleName:  "required_field",
			})
		}
	}
	return errs
}

func (v *Validator) checkDates(row *domain.Row, idx int) []domain.RowError {
	var errs []domain.RowError
	for _, rule := range v.rules.DateRules {
		inception := dateField(row, rule.InceptionField)
		expiry := dateField(row, rule.ExpiryField)
		if inception == nil || expiry == nil {
			continue
		}
		if inception.After(*expiry) {
			msg := rule.Message
			if msg == "" {
				msg = "Date validation failed"
			}
			errs = append(errs, domain.RowError{
				RowIndex:   idx,
				ErrorCode:  CodeDateValidationFailed,
				Message:    msg,
				FieldName:  rule.InceptionField + "," + rule.ExpiryField,
				FieldValue: inception.Format("2006-01-02") + "," + expiry.Format("2006-01-02"),
				RuleName:   rule.Name,
			})
		}
	}
	return errs
}

func (v *Validator) checkNumerics(row *domain.Row, idx int) []domain.RowError {
	var errs []domain.RowError
	for _, rule := range v.rules.NumericRules {
		display, present := fieldString(row, rule.Field)
		if !present {
			continue
		}

		msg := rule.Message
		if msg == "" {
			msg = "Numeric validation failed"
		}

		num, ok := numericField(row, rule.Field)
		if !ok {
			errs = append(errs, domain.RowError{
				RowIndex:   idx,
				ErrorCode:  CodeInvalidNumeric,
				Message:    fmt.Sprintf("Field '%s' contains invalid numeric value", rule.Field),
				FieldName:  rule.Field,
				FieldValue: display,
				RuleName:   rule.Name,
			})
			continue
		}

		if rule.MinValue != nil && num < *rule.MinValue {
			errs = append(errs, domain.RowError{
				RowIndex:   idx,
				ErrorCode:  CodeNumericFailed,
				Message:    msg,
				FieldName:  rule.Field,
				FieldValue: display,
				RuleName:   rule.Name,
			})
		}
		if rule.MaxValue != nil && num > *rule.MaxValue {
			errs = append(errs, domain.RowError{
				RowIndex:   idx,
				ErrorCode:  CodeNumericFailed,
				Message:    msg,
				FieldName:  rule.Field,
				FieldValue: display,
				RuleName:   rule.Name,
			})
		}
	}
	return errs
}

// fieldString returns the display value for a canonical field and whether it
// is non-null.
func fieldString(row *domain.Row, field string) (string, bool) {
	switch domain.CanonicalField(field) {
	case domain.FieldPolicyNumber:
		return strVal(row.PolicyNumber)
	case domain.FieldInsuredName:
		return strVal(row.InsuredName)
	case domain.FieldBrokerName:
		return strVal(row.BrokerName)
	case domain.FieldProductType:
		return strVal(row.ProductType)
	case domain.FieldCoverageType:
		return strVal(row.CoverageType)
	case domain.FieldRiskLocation:
		return strVal(row.RiskLocation)
	case domain.FieldInceptionDate:
		return dateVal(row.InceptionDate)
	case domain.FieldExpiryDate:
		return dateVal(row.ExpiryDate)
	case domain.FieldPremiumAmount:
		return numVal(row.PremiumAmount)
	case domain.FieldClaimAmount:
		return numVal(row.ClaimAmount)
	case domain.FieldCommissionAmount:
		return numVal(row.CommissionAmount)
	case domain.FieldNetPremium:
		return numVal(row.NetPremium)
	case domain.FieldCurrency:
		if row.Currency == nil {
			return "", false
		}
		return string(*row.Currency), true
	}
	return "", false
}

// numericField coerces a non-null field to a float. The second return is
// false when the value cannot be treated as a number.
func numericField(row *domain.Row, field string) (float64, bool) {
	switch domain.CanonicalField(field) {
	case domain.FieldPremiumAmount:
		return *row.PremiumAmount, true
	case domain.FieldClaimAmount:
		return *row.ClaimAmount, true
	case domain.FieldCommissionAmount:
		return *row.CommissionAmount, true
	case domain.FieldNetPremium:
		return *row.NetPremium, true
	}
	display, _ := fieldString(row, field)
	if v, err := strconv.ParseFloat(display, 64); err == nil {
		return v, true
	}
	return 0, false
}

func dateField(row *domain.Row, field string) *time.Time {
	switch domain.CanonicalField(field) {
	case domain.FieldInceptionDate:
		return row.InceptionDate
	case domain.FieldExpiryDate:
		return row.ExpiryDate
	}
	return nil
}

func strVal(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	return *v, true
}

func dateVal(v *time.Time) (string, bool) {
	if v == nil {
		return "", false
	}
	return v.Format("2006-01-02"), true
}

func numVal(v *float64) (string, bool) {
	if v == nil {
		return "", false
	}
	return strconv.FormatFloat(*v, 'f', -1, 64), true
}

// report is the JSON shape written by SaveReport.
type report struct {
	FileID      int64             `json:"file_id"`
	GeneratedAt string            `json:"generated_at"`
	TotalErrors int               `json:"total_errors"`
	Errors      []domain.RowError `json:"errors"`
}

// SaveReport writes the error records for a file as a timestamped JSON report
// under dir and returns the written path.
func SaveReport(dir string, fileID int64, errs []domain.RowError) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	now := time.Now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("validation_errors_%d_%s.json", fileID, now.Format("20060102_150405")))

	data, err := json.MarshalIndent(report{
		FileID:      fileID,
		GeneratedAt: now.Format(time.RFC3339),
		TotalErrors: len(errs),
		Errors:      errs,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
