package pagerender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Client talks to the page render sidecar, which converts PDF and Word
// documents into per-page PNG images. Rendering office formats in pure Go is
// not practical, so the conversion runs in a dedicated service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// RenderResponse represents the response from the render service
type RenderResponse struct {
	Pages     []string `json:"pages"` // base64-encoded PNG per page, document order
	PageCount int      `json:"page_count"`
	Filename  string   `json:"filename,omitempty"`
}

// NewClient creates a new page render client
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}

	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute, // Large scanned PDFs take a while
		},
	}
}

// RenderDocument renders a document to page PNGs. declaredType is the file
// extension the caller believes the bytes to be ("pdf", "docx").
func (c *Client) RenderDocument(ctx context.Context, content []byte, filename, declaredType string) ([][]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write file content: %w", err)
	}
	if err := writer.WriteField("type", declaredType); err != nil {
		return nil, fmt.Errorf("failed to write type field: %w", err)
	}
	if err := writer.WriteField("format", "png"); err != nil {
		return nil, fmt.Errorf("failed to write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/render/file", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("render service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var renderResp RenderResponse
	if err := json.NewDecoder(resp.Body).Decode(&renderResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	pages := make([][]byte, 0, len(renderResp.Pages))
	for i, encoded := range renderResp.Pages {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode page %d: %w", i, err)
		}
		pages = append(pages, data)
	}

	return pages, nil
}

// HealthCheck verifies the render service is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("render service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("render service health check returned status %d", resp.StatusCode)
	}
	return nil
}
