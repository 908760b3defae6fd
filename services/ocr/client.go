package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Fallback is the OCR capability the pipeline falls back to when vision
// extraction fails for a page
type Fallback interface {
	// RecognizePage runs OCR on one page image (PNG bytes) and returns the
	// raw text
	RecognizePage(ctx context.Context, pageImage []byte) (string, error)
}

// Client talks to the OCR sidecar service over HTTP
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Response represents the response from the OCR service
type Response struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
}

// NewClient creates a new OCR client
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}

	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute, // OCR can take time for dense scans
		},
	}
}

// RecognizePage sends one page image to the OCR service and returns the
// extracted text
func (c *Client) RecognizePage(ctx context.Context, pageImage []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "page.png")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(pageImage); err != nil {
		return "", fmt.Errorf("failed to write file content: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/ocr/image", body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("OCR service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("OCR service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var ocrResp Response
	if err := json.NewDecoder(resp.Body).Decode(&ocrResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return ocrResp.Text, nil
}
