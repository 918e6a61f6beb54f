package ml_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emngarcia/me-board/internal/retry"
)

// Client is a client for a text-embeddings-inference style model server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
	logger     *zap.Logger
}

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL           string
	Token             string // Optional bearer token for hosted endpoints
	Timeout           time.Duration
	Retry             retry.Config
	RequestsPerSecond float64 // 0 disables rate limiting
}

// PredictRequest is the body of POST /predict
type PredictRequest struct {
	Inputs    [][]string `json:"inputs"`
	Truncate  bool       `json:"truncate"`
	RawScores bool       `json:"raw_scores"`
}

// ScoredLabel is one class score for one input
type ScoredLabel struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// TokenizeRequest is the body of POST /tokenize
type TokenizeRequest struct {
	Inputs           []string `json:"inputs"`
	AddSpecialTokens bool     `json:"add_special_tokens"`
}

// Token is one token of a tokenized input. Start and Stop are byte offsets
// into the input and are absent for special tokens.
type Token struct {
	ID      int    `json:"id"`
	Text    string `json:"text"`
	Special bool   `json:"special"`
	Start   *int   `json:"start"`
	Stop    *int   `json:"stop"`
}

// ClassifierInfo describes the label space of a sequence classification model
type ClassifierInfo struct {
	ID2Label map[string]string `json:"id2label"`
	Label2ID map[string]int    `json:"label2id"`
}

// ModelType is the model_type section of /info
type ModelType struct {
	Classifier *ClassifierInfo `json:"classifier,omitempty"`
}

// InfoResponse represents the /info payload
type InfoResponse struct {
	ModelID        string    `json:"model_id"`
	ModelSHA       string    `json:"model_sha,omitempty"`
	ModelDType     string    `json:"model_dtype,omitempty"`
	ModelType      ModelType `json:"model_type"`
	MaxInputLength int       `json:"max_input_length"`
	MaxBatchTokens int       `json:"max_batch_tokens,omitempty"`
	Version        string    `json:"version,omitempty"`
}

// ErrorResponse is the error body returned by the model server
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// StatusError is returned when the model server answers with a non-200 status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model server returned status %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new model server client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:  cfg.Retry,
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Info retrieves information about the served model
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var result InfoResponse
	if err := c.doJSON(ctx, http.MethodGet, "/info", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Predict runs sequence classification for every text and returns raw
// (pre-softmax) scores, one slice per input, in input order.
func (c *Client) Predict(ctx context.Context, texts []string) ([][]ScoredLabel, error) {
	inputs := make([][]string, len(texts))
	for i, t := range texts {
		inputs[i] = []string{t}
	}

	reqBody := PredictRequest{
		Inputs:    inputs,
		Truncate:  true,
		RawScores: true,
	}

	var result [][]ScoredLabel
	if err := c.doJSON(ctx, http.MethodPost, "/predict", reqBody, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Tokenize runs the served model's tokenizer, special tokens included.
func (c *Client) Tokenize(ctx context.Context, texts []string) ([][]Token, error) {
	reqBody := TokenizeRequest{
		Inputs:           texts,
		AddSpecialTokens: true,
	}

	var result [][]Token
	if err := c.doJSON(ctx, http.MethodPost, "/tokenize", reqBody, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Health checks if the model server is up and the model is loaded
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	_, err := retry.Do(ctx, retry.Options{
		Config:    c.retry,
		Retryable: IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("Retrying model server request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.send(ctx, method, path, payload, out)
	})
	return err
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var reader io.Reader = http.NoBody
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(respBody)
		var apiErr ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a transient failure: a network error,
// 429, or a 5xx answer from the model server.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
