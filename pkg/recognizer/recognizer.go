// Package recognizer is the HTTP client for the external speech
// recognition collaborator. It performs exactly one request per call;
// retries and circuit breaking belong to the calling pipeline.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/voicewire/voicewire/pkg/pipeline"
)

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Language string

	Timeout       time.Duration
	MaxConcurrent int
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	semaphore  chan struct{}
}

func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("recognizer: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

type response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// Recognize uploads one chunk as multipart form data and returns the
// transcript.
func (c *Client) Recognize(ctx context.Context, chunk pipeline.Chunk) (pipeline.Transcript, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return pipeline.Transcript{}, ctx.Err()
	}

	body, contentType, err := c.encode(chunk)
	if err != nil {
		return pipeline.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return pipeline.Transcript{}, fmt.Errorf("recognizer: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeline.Transcript{}, fmt.Errorf("recognizer: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pipeline.Transcript{}, fmt.Errorf("recognizer: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.Transcript{}, fmt.Errorf("recognizer: status %d: %s", resp.StatusCode, respBody)
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return pipeline.Transcript{}, fmt.Errorf("recognizer: parse response: %w", err)
	}
	return pipeline.Transcript{
		Text:       out.Text,
		Confidence: out.Confidence,
		IsFinal:    out.IsFinal,
	}, nil
}

func (c *Client) encode(chunk pipeline.Chunk) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"format":       chunk.Format,
		"sequence":     strconv.FormatInt(chunk.Sequence, 10),
		"timestamp_ms": strconv.FormatInt(chunk.Timestamp.UnixMilli(), 10),
	}
	if c.cfg.Model != "" {
		fields["model"] = c.cfg.Model
	}
	if c.cfg.Language != "" {
		fields["language"] = c.cfg.Language
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("recognizer: write field %s: %w", name, err)
		}
	}

	part, err := w.CreateFormFile("audio", "chunk.raw")
	if err != nil {
		return nil, "", fmt.Errorf("recognizer: create form file: %w", err)
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, "", fmt.Errorf("recognizer: write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("recognizer: close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
