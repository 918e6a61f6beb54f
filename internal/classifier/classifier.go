// Package classifier turns raw model-server scores into labelled predictions
// and implements the two-stage cascade used by the worker.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/ml_client"
)

var (
	// ErrResultCountMismatch is returned when the server answers with a different number of results than inputs.
	ErrResultCountMismatch = errors.New("result count does not match input count")
	// ErrNotClassifier is returned by LoadModel when the served model has no label table.
	ErrNotClassifier = errors.New("served model is not a sequence classifier")
)

// Result is the softmax-max prediction for one input.
type Result struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier labels a batch of texts.
type Classifier interface {
	Classify(ctx context.Context, texts []string) ([]Result, error)
	// Version is the model version tag written next to predictions.
	Version() string
}

// ModelServer is the subset of the model server API a Model needs.
type ModelServer interface {
	Info(ctx context.Context) (*ml_client.InfoResponse, error)
	Predict(ctx context.Context, texts []string) ([][]ml_client.ScoredLabel, error)
	Tokenize(ctx context.Context, texts []string) ([][]ml_client.Token, error)
}

// Model is a pretrained sequence classification model loaded from a model server.
type Model struct {
	name      string
	version   string
	maxLength int
	truncate  bool // maxLength is below the limit the server enforces itself
	id2label  map[int]string
	label2id  map[string]int
	server    ModelServer
	observe   func(model string, d time.Duration)
}

// LoadModel fetches the label table of the served model once and returns a
// ready-to-use Model. maxLength is clamped to the server's input limit. A
// lower maxLength is enforced by cutting inputs at that token count before
// each prediction.
func LoadModel(ctx context.Context, server ModelServer, name, version string, maxLength int, logger *zap.Logger) (*Model, error) {
	info, err := server.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", name, err)
	}
	if info.ModelType.Classifier == nil || len(info.ModelType.Classifier.ID2Label) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotClassifier, info.ModelID)
	}

	if info.ModelID != "" && info.ModelID != name {
		logger.Warn("Model server serves a different model than configured",
			zap.String("configured", name),
			zap.String("served", info.ModelID))
	}

	id2label := make(map[int]string, len(info.ModelType.Classifier.ID2Label))
	label2id := make(map[string]int, len(info.ModelType.Classifier.ID2Label))
	for k, label := range info.ModelType.Classifier.ID2Label {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid id2label key %q: %w", k, err)
		}
		id2label[idx] = label
		label2id[label] = idx
	}

	if info.MaxInputLength > 0 && maxLength > info.MaxInputLength {
		logger.Warn("Configured max length exceeds server limit, clamping",
			zap.Int("configured", maxLength),
			zap.Int("server_limit", info.MaxInputLength))
		maxLength = info.MaxInputLength
	}
	truncate := maxLength > 0 && (info.MaxInputLength == 0 || maxLength < info.MaxInputLength)

	m := &Model{
		name:      name,
		version:   version,
		maxLength: maxLength,
		truncate:  truncate,
		id2label:  id2label,
		label2id:  label2id,
		server:    server,
	}

	logger.Info("Model loaded",
		zap.String("model", name),
		zap.String("version", version),
		zap.Strings("labels", m.Labels()),
		zap.Int("max_length", maxLength),
		zap.Int("server_limit", info.MaxInputLength),
		zap.Bool("client_truncation", truncate))

	return m, nil
}

// Version returns the model version tag.
func (m *Model) Version() string { return m.version }

// MaxLength returns the effective token limit.
func (m *Model) MaxLength() int { return m.maxLength }

// ObserveWith registers a callback receiving the latency of every inference call.
func (m *Model) ObserveWith(fn func(model string, d time.Duration)) {
	m.observe = fn
}

// Classify runs one batched forward pass and returns, per input, the label
// with the highest softmax probability and that probability.
func (m *Model) Classify(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return []Result{}, nil
	}

	if m.truncate {
		var err error
		if texts, err = m.truncateInputs(ctx, texts); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	raw, err := m.server.Predict(ctx, texts)
	if m.observe != nil {
		m.observe(m.name, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("inference with %s: %w", m.name, err)
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrResultCountMismatch, len(raw), len(texts))
	}

	results := make([]Result, len(raw))
	for i, scores := range raw {
		logits, err := m.orderLogits(scores)
		if err != nil {
			return nil, err
		}
		probs := Softmax(logits)
		idx := ArgMax(probs)
		results[i] = Result{Label: m.labelFor(idx), Score: probs[idx]}
	}
	return results, nil
}

// truncateInputs cuts every text to at most maxLength tokens, special
// tokens included, using the server's tokenizer offsets.
func (m *Model) truncateInputs(ctx context.Context, texts []string) ([]string, error) {
	tokens, err := m.server.Tokenize(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("tokenize with %s: %w", m.name, err)
	}
	if len(tokens) != len(texts) {
		return nil, fmt.Errorf("%w: tokenize got %d, want %d", ErrResultCountMismatch, len(tokens), len(texts))
	}

	out := make([]string, len(texts))
	for i, text := range texts {
		out[i] = TruncateTokens(text, tokens[i], m.maxLength)
	}
	return out, nil
}

// TruncateTokens returns the prefix of text covered by its first
// maxTokens tokens, counting the special tokens the model adds. Text that
// already fits, or whose tokens carry no offsets, is returned unchanged.
func TruncateTokens(text string, tokens []ml_client.Token, maxTokens int) string {
	special := 0
	for _, t := range tokens {
		if t.Special {
			special++
		}
	}
	if len(tokens) <= maxTokens {
		return text
	}

	budget := maxTokens - special
	if budget < 1 {
		budget = 1
	}

	kept := 0
	for _, t := range tokens {
		if t.Special {
			continue
		}
		kept++
		if kept < budget {
			continue
		}
		if t.Stop == nil {
			return text
		}
		cut := *t.Stop
		if cut >= len(text) {
			return text
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut]
	}
	return text
}

// orderLogits arranges the server's label/score pairs by label index.
func (m *Model) orderLogits(scores []ml_client.ScoredLabel) ([]float64, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("model %s returned no scores", m.name)
	}

	size := len(m.id2label)
	for idx := range m.id2label {
		if idx+1 > size {
			size = idx + 1
		}
	}

	logits := make([]float64, size)
	seen := make([]bool, size)
	for _, s := range scores {
		idx, ok := m.label2id[s.Label]
		if !ok {
			return nil, fmt.Errorf("model %s returned unknown label %q", m.name, s.Label)
		}
		logits[idx] = s.Score
		seen[idx] = true
	}

	// Indices missing from the response must not win the argmax.
	for i := range logits {
		if !seen[i] {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

func (m *Model) labelFor(idx int) string {
	if label, ok := m.id2label[idx]; ok {
		return label
	}
	return strconv.Itoa(idx)
}

// Labels returns the model's labels ordered by index.
func (m *Model) Labels() []string {
	ids := make([]int, 0, len(m.id2label))
	for id := range m.id2label {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = m.id2label[id]
	}
	return labels
}

// Softmax converts logits to probabilities. It subtracts the maximum logit
// first so large values do not overflow.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// ArgMax returns the index of the largest value; ties go to the lowest index.
// It returns -1 for an empty slice.
func ArgMax(values []float64) int {
	best := -1
	for i, v := range values {
		if best == -1 || v > values[best] {
			best = i
		}
	}
	return best
}
