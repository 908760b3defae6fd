package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/utils"
)

const (
	// DefaultTimeout is per vision API request; the pipeline retries around it
	DefaultTimeout = 120 * time.Second
	// DefaultModel is the vision model used when none is configured
	DefaultModel = "gpt-4o"
)

// PageExtraction is the parsed result of one page's vision call
type PageExtraction struct {
	Fields     map[string]model.Value
	Confidence map[string]float64
}

// Extractor is the vision capability the pipeline depends on
type Extractor interface {
	// ExtractPage extracts schema fields from one page image (PNG bytes)
	ExtractPage(ctx context.Context, pageImage []byte, schema model.Schema) (*PageExtraction, error)

	// DetectSchema samples one page to guess which known schema fits. An
	// optional caller-supplied hint describes the document in free text.
	DetectSchema(ctx context.Context, pageImage []byte, hint string, known []model.Schema) (*model.SchemaDetection, error)
}

// RequestError wraps a non-2xx API response so callers can decide whether to
// retry
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("vision API error (status %d): %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the error is transient (rate limit, server
// error, network failure) as opposed to a hard request problem
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == http.StatusTooManyRequests || reqErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Client calls an OpenAI-compatible chat completions endpoint with page
// images attached as data URLs
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *RateLimiter
}

// Config holds configuration for the vision client
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	PerMinute int
}

func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com"
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.PerMinute == 0 {
		config.PerMinute = 20
	}

	return &Client{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: NewRateLimiter(config.PerMinute),
	}
}

// chatMessage is an OpenAI-compatible message with multimodal content parts
type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// pageResponse is the JSON shape the extraction prompt asks for
type pageResponse struct {
	Fields     map[string]any     `json:"fields"`
	Confidence map[string]float64 `json:"confidence"`
}

func (c *Client) ExtractPage(ctx context.Context, pageImage []byte, schema model.Schema) (*PageExtraction, error) {
	prompt := buildExtractionPrompt(schema)

	content, err := c.completeWithImage(ctx, prompt, pageImage)
	if err != nil {
		return nil, err
	}

	var parsed pageResponse
	if err := utils.ExtractJSONTo(content, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	// Some models return the fields at the top level instead of nested
	if len(parsed.Fields) == 0 {
		var flat map[string]any
		if err := utils.ExtractJSONTo(content, &flat); err == nil {
			delete(flat, "confidence")
			parsed.Fields = flat
		}
	}

	result := &PageExtraction{
		Fields:     make(map[string]model.Value, len(parsed.Fields)),
		Confidence: parsed.Confidence,
	}
	if result.Confidence == nil {
		result.Confidence = make(map[string]float64)
	}
	for name, raw := range parsed.Fields {
		result.Fields[name] = model.FromAny(raw)
	}
	return result, nil
}

// detectionResponse is the JSON shape the detection prompt asks for
type detectionResponse struct {
	SchemaName      string            `json:"schema_name"`
	Confidence      float64           `json:"confidence"`
	SuggestedFields map[string]string `json:"suggested_fields,omitempty"`
}

func (c *Client) DetectSchema(ctx context.Context, pageImage []byte, hint string, known []model.Schema) (*model.SchemaDetection, error) {
	prompt := buildDetectionPrompt(hint, known)

	content, err := c.completeWithImage(ctx, prompt, pageImage)
	if err != nil {
		return nil, err
	}

	var parsed detectionResponse
	if err := utils.ExtractJSONTo(content, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse detection response: %w", err)
	}

	detection := &model.SchemaDetection{
		SchemaName: parsed.SchemaName,
		Confidence: parsed.Confidence,
	}
	if len(parsed.SuggestedFields) > 0 {
		detection.SuggestedFields = make(map[string]model.SchemaField, len(parsed.SuggestedFields))
		for name, desc := range parsed.SuggestedFields {
			detection.SuggestedFields[name] = model.SchemaField{Type: model.FieldText, Description: desc}
		}
	}
	return detection, nil
}

// completeWithImage sends one prompt plus one page image and returns the raw
// model output
func (c *Client) completeWithImage(ctx context.Context, prompt string, pageImage []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pageImage)

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
		Temperature: 0.1,
		MaxTokens:   4096,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RequestError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from vision API")
	}
	return result.Choices[0].Message.Content, nil
}

func buildExtractionPrompt(schema model.Schema) string {
	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")

	return fmt.Sprintf(`Extract all visible text and data from this document image.
Return the data as JSON with this structure:
{
  "fields": {"field_name": "value", ...},
  "confidence": {"field_name": 0.95, ...}
}

Focus on extracting:
- Headers and titles
- Form fields and their values
- Tables and structured data
- Important numbers and dates
- Any key-value pairs

Extract data according to this schema:
%s

Use "N/A" for missing or unclear values.
Include a confidence score between 0 and 1 for each field.
Return only the JSON data, no explanations.`, schemaJSON)
}

func buildDetectionPrompt(hint string, known []model.Schema) string {
	names := make([]string, 0, len(known))
	for _, s := range known {
		names = append(names, fmt.Sprintf("%q: %s", s.Name, s.Description))
	}
	namesJSON, _ := json.MarshalIndent(names, "", "  ")

	hintLine := ""
	if hint != "" {
		hintLine = fmt.Sprintf("\nThe caller describes this document as: %s\n", hint)
	}

	return fmt.Sprintf(`Analyze this document image and decide which document type it is.
%s
Known types:
%s

Return as JSON with this structure:
{
  "schema_name": "detected type",
  "confidence": 0.95
}

Use one of the known type names, or "generic" if none fits.
Return only the JSON data, no explanations.`, hintLine, namesJSON)
}
