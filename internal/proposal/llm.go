package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/bordereaux/internal/domain"
)

const defaultLLMBaseURL = "https://openrouter.ai/api/v1"

// fieldDescriptions is the canonical-field glossary handed to the model.
var fieldDescriptions = map[domain.CanonicalField]string{
	domain.FieldPolicyNumber:     "Policy number or reference identifier",
	domain.FieldInsuredName:      "Name of the insured party or client",
	domain.FieldInceptionDate:    "Policy start date or inception date",
	domain.FieldExpiryDate:       "Policy end date or expiry date",
	domain.FieldPremiumAmount:    "Premium amount or total premium",
	domain.FieldCurrency:         "Currency code (e.g., USD, EUR, GBP)",
	domain.FieldClaimAmount:      "Claim amount or loss amount",
	domain.FieldCommissionAmount: "Commission or brokerage amount",
	domain.FieldNetPremium:       "Net premium after deductions",
	domain.FieldBrokerName:       "Broker or intermediary name",
	domain.FieldProductType:      "Insurance product type or line of business",
	domain.FieldCoverageType:     "Type of coverage or class",
	domain.FieldRiskLocation:     "Risk location or property address",
}

// LLMClient asks an OpenRouter-hosted model for mapping suggestions. Calls
// are bounded by a 30 second timeout; any failure is reported to the caller,
// who falls back to the heuristic path.
type LLMClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewLLMClient creates a client for the given OpenRouter credentials.
func NewLLMClient(apiKey, model string) *LLMClient {
	return &LLMClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultLLMBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// suggestion is the JSON contract the model is asked to honor.
type suggestion struct {
	Mappings         map[string]string  `json:"mappings"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	Reasoning        map[string]string  `json:"reasoning"`
}

// Suggest returns the model's proposed mappings and confidence scores.
func (c *LLMClient) Suggest(ctx context.Context, headers []string, meta map[string]string) (map[string]string, map[string]float64, error) {
	if c.apiKey == "" {
		return nil, nil, fmt.Errorf("openrouter api key not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant that maps insurance bordereaux file columns to standardized field names. Always respond with valid JSON only."},
			{Role: "user", Content: buildPrompt(headers, meta)},
		},
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Title", "Bordereaux Template Mapper")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("llm request: status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, nil, fmt.Errorf("llm response has no choices")
	}

	content := stripFences(cr.Choices[0].Message.Content)
	var sug suggestion
	if err := json.Unmarshal([]byte(content), &sug); err != nil {
		return nil, nil, fmt.Errorf("decode suggestion: %w", err)
	}

	mappings := make(map[string]string)
	scores := make(map[string]float64)
	claimed := make(map[string]bool)
	// Walk headers in file order so a field claimed twice keeps its first
	// claimant, same as the heuristic path.
	for _, h := range headers {
		field, ok := sug.Mappings[h]
		if !ok || !domain.IsCanonicalField(field) || claimed[field] {
			continue
		}
		claimed[field] = true
		mappings[h] = field
		if s, ok := sug.ConfidenceScores[h]; ok {
			scores[h] = s
		} else {
			scores[h] = 0.7
		}
	}
	return mappings, scores, nil
}

func buildPrompt(headers []string, meta map[string]string) string {
	var b strings.Builder

	if meta["filename"] != "" {
		fmt.Fprintf(&b, "Filename: %s\n", meta["filename"])
	}
	if meta["sender"] != "" {
		fmt.Fprintf(&b, "Sender: %s\n", meta["sender"])
	}
	if meta["subject"] != "" {
		fmt.Fprintf(&b, "Subject: %s\n", meta["subject"])
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}

	b.WriteString("You are an expert at mapping insurance bordereaux file columns to standardized field names.\n\n")
	b.WriteString("The file has the following columns:\n")
	for _, h := range headers {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	b.WriteString("\nAvailable canonical fields:\n")
	for _, field := range domain.CanonicalFields {
		fmt.Fprintf(&b, "- %s: %s\n", field, fieldDescriptions[field])
	}
	b.WriteString(`
Map each file column to the most appropriate canonical field. Consider column
name similarity, context from filename or sender, insurance terminology, and
common abbreviations.

Return a JSON object with this exact structure:
{
  "mappings": {"column_name_from_file": "canonical_field_name"},
  "confidence_scores": {"column_name_from_file": 0.95},
  "reasoning": {"column_name_from_file": "Brief explanation"}
}

Rules:
- Only map columns that have a clear match to a canonical field
- Confidence scores are between 0.0 and 1.0; reserve 0.8+ for very clear matches
- Omit columns that match no canonical field
- Return ONLY the JSON object, no additional text
`)
	return b.String()
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
