package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/models"
)

const (
	claimRPC         = "claim_keyboard_events"
	eventsTable      = "keyboard_events"
	predictionsTable = "predictions"
)

// SupabaseStore talks to a Supabase project through its PostgREST API
// using the service-role key.
type SupabaseStore struct {
	restURL    string
	key        string
	upsert     bool
	httpClient *http.Client
	logger     *zap.Logger

	// set once PostgREST reports that keyboard_events has no error column
	noErrorColumn atomic.Bool
}

// PostgRESTError is the error body returned by PostgREST.
type PostgRESTError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Hint       string `json:"hint"`
}

func (e *PostgRESTError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("postgrest returned status %d: %s", e.StatusCode, e.Message)
}

// rowID accepts both string (uuid) and numeric primary keys.
type rowID string

func (id *rowID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = rowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unsupported id %s", string(data))
	}
	*id = rowID(n.String())
	return nil
}

type claimedRow struct {
	ID   rowID  `json:"id"`
	Text string `json:"text"`
}

// statusUpdate always carries the error key so a nil message clears it.
type statusUpdate struct {
	Status models.EventStatus `json:"status"`
	Error  *string            `json:"error"`
}

type statusOnly struct {
	Status models.EventStatus `json:"status"`
}

// predictionRow is the upsert payload. The second-stage keys are sent as
// null when the cascade did not run so merge-duplicates clears old values.
type predictionRow struct {
	EventID       string   `json:"event_id"`
	Label         string   `json:"label"`
	Score         float64  `json:"score"`
	ModelVersion  string   `json:"model_version"`
	InputText     *string  `json:"input_text,omitempty"`
	Label2        *string  `json:"label2"`
	Score2        *float64 `json:"score2"`
	ModelVersion2 *string  `json:"model_version2"`
}

// NewSupabaseStore creates a store for the project at projectURL (https://<ref>.supabase.co).
func NewSupabaseStore(projectURL, serviceRoleKey string, upsert bool, logger *zap.Logger) *SupabaseStore {
	return &SupabaseStore{
		restURL: strings.TrimRight(projectURL, "/") + "/rest/v1",
		key:     serviceRoleKey,
		upsert:  upsert,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// ClaimEvents calls the claim_keyboard_events RPC.
func (s *SupabaseStore) ClaimEvents(ctx context.Context, batchSize int) ([]models.QueueEvent, error) {
	var rows []claimedRow
	body := map[string]int{"batch_size": batchSize}
	if err := s.do(ctx, http.MethodPost, "/rpc/"+claimRPC, nil, body, nil, &rows); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}

	events := make([]models.QueueEvent, len(rows))
	for i, r := range rows {
		events[i] = models.QueueEvent{ID: string(r.ID), Text: r.Text, Status: models.StatusClaimed}
	}
	return events, nil
}

// UpdateEventStatus sets the status and error text of one event. A nil
// errMsg writes error = null. Projects without an 'error' column still get
// the status update.
func (s *SupabaseStore) UpdateEventStatus(ctx context.Context, id string, status models.EventStatus, errMsg *string) error {
	query := url.Values{"id": {"eq." + id}}
	headers := map[string]string{"Prefer": "return=minimal"}

	var err error
	if s.noErrorColumn.Load() {
		err = s.do(ctx, http.MethodPatch, "/"+eventsTable, query, statusOnly{Status: status}, headers, nil)
	} else {
		err = s.do(ctx, http.MethodPatch, "/"+eventsTable, query, statusUpdate{Status: status, Error: errMsg}, headers, nil)
		if err != nil && isMissingColumn(err) {
			s.logger.Warn("keyboard_events has no error column, updating status only", zap.String("event_id", id))
			s.noErrorColumn.Store(true)
			err = s.do(ctx, http.MethodPatch, "/"+eventsTable, query, statusOnly{Status: status}, headers, nil)
		}
	}
	if err != nil {
		return fmt.Errorf("update event %s to %s: %w", id, status, err)
	}
	return nil
}

// ReleaseEvents moves still-claimed events back to pending.
func (s *SupabaseStore) ReleaseEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	query := url.Values{
		"id":     {"in.(" + strings.Join(quoted, ",") + ")"},
		"status": {"eq." + string(models.StatusClaimed)},
	}
	headers := map[string]string{"Prefer": "return=minimal"}

	if err := s.do(ctx, http.MethodPatch, "/"+eventsTable, query, statusOnly{Status: models.StatusPending}, headers, nil); err != nil {
		return fmt.Errorf("release events: %w", err)
	}
	return nil
}

// SavePrediction inserts the prediction, resolving a conflict on event_id by
// overwriting (upsert) or keeping the existing row.
func (s *SupabaseStore) SavePrediction(ctx context.Context, p *models.Prediction) error {
	resolution := "resolution=ignore-duplicates"
	if s.upsert {
		resolution = "resolution=merge-duplicates"
	}
	query := url.Values{"on_conflict": {"event_id"}}
	headers := map[string]string{"Prefer": resolution + ",return=minimal"}

	row := predictionRow{
		EventID:       p.EventID,
		Label:         p.Label,
		Score:         p.Score,
		ModelVersion:  p.ModelVersion,
		InputText:     p.InputText,
		Label2:        p.Label2,
		Score2:        p.Score2,
		ModelVersion2: p.ModelVersion2,
	}
	if err := s.do(ctx, http.MethodPost, "/"+predictionsTable, query, row, headers, nil); err != nil {
		return fmt.Errorf("save prediction for %s: %w", p.EventID, err)
	}
	return nil
}

// Ping checks that the REST endpoint accepts the key.
func (s *SupabaseStore) Ping(ctx context.Context) error {
	query := url.Values{"select": {"id"}, "limit": {"1"}}
	return s.do(ctx, http.MethodGet, "/"+eventsTable, query, nil, nil, nil)
}

// Close releases idle connections.
func (s *SupabaseStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *SupabaseStore) do(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	target := s.restURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &PostgRESTError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
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

// isMissingColumn matches PostgREST's schema-cache miss (PGRST204) and
// Postgres' undefined_column (42703).
func isMissingColumn(err error) bool {
	var apiErr *PostgRESTError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "PGRST204" || apiErr.Code == "42703"
}
