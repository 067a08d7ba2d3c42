// Package aisearch calls the external AI-search service that turns a scoped
// document folder plus a prompt into structured campaign content.
package aisearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a failed search call for retry decisions.
type ErrorKind int

// Error kinds.
const (
	KindTransient ErrorKind = iota
	KindTimeout
	KindCapacity
	KindRateLimited
	KindPermanent
)

// CallError is a failed AI-search call with its retry classification.
type CallError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("aisearch: status %d: %s", e.StatusCode, e.Message)
	}
	return "aisearch: " + e.Message
}

// Client is an HTTP client for the AI-search service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a client. timeout bounds each individual call.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type queryRequest struct {
	Query      string `json:"query"`
	Folder     string `json:"folder"`
	MaxResults int    `json:"max_results"`
}

type queryResponse struct {
	Answer string `json:"answer"`
}

// Query runs one search call against the given folder and returns the parsed
// structured content. Errors are classified via CallError.
func (c *Client) Query(ctx context.Context, prompt, folder string, maxResults int) (*Structured, error) {
	body, err := json.Marshal(queryRequest{Query: prompt, Folder: folder, MaxResults: maxResults})
	if err != nil {
		return nil, &CallError{Kind: KindPermanent, Message: "encode request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Kind: KindPermanent, Message: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &CallError{Kind: KindTimeout, Message: "request timed out"}
		}
		return nil, &CallError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp, string(raw))
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, &CallError{Kind: KindPermanent, Message: "decode response: " + err.Error()}
	}
	return ParseStructured(qr.Answer)
}

func classifyStatus(resp *http.Response, body string) *CallError {
	ce := &CallError{StatusCode: resp.StatusCode, Message: body}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ce.Kind = KindRateLimited
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				ce.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == 529:
		ce.Kind = KindCapacity
	case resp.StatusCode == http.StatusGatewayTimeout:
		ce.Kind = KindTimeout
	case resp.StatusCode >= 500:
		ce.Kind = KindTransient
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		ce.Kind = KindPermanent
	default:
		ce.Kind = KindPermanent
	}
	return ce
}
