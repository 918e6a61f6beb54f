package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticClassifier struct {
	result  Result
	err     error
	version string
	calls   [][]string
}

func (s *staticClassifier) Classify(_ context.Context, texts []string) ([]Result, error) {
	s.calls = append(s.calls, texts)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Result, len(texts))
	for i := range out {
		out[i] = s.result
	}
	return out, nil
}

func (s *staticClassifier) Version() string { return s.version }

func TestCascade_ShouldEscalate(t *testing.T) {
	second := &staticClassifier{}
	cascade := NewCascade(&staticClassifier{}, second, "")

	assert.Equal(t, DefaultTrigger, cascade.Trigger)
	assert.True(t, cascade.ShouldEscalate("worrisome"))
	assert.True(t, cascade.ShouldEscalate("Worrisome"))
	assert.True(t, cascade.ShouldEscalate("WORRISOME"))
	assert.False(t, cascade.ShouldEscalate("benign"))
	assert.False(t, cascade.ShouldEscalate("worrisome "))

	single := NewCascade(&staticClassifier{}, nil, "worrisome")
	assert.False(t, single.ShouldEscalate("worrisome"))
}

func TestCascade_ClassifySecondary(t *testing.T) {
	t.Run("runs second model on one text", func(t *testing.T) {
		second := &staticClassifier{result: Result{Label: "high_risk", Score: 0.9}}
		cascade := NewCascade(&staticClassifier{}, second, "worrisome")

		res, err := cascade.ClassifySecondary(context.Background(), "text")

		require.NoError(t, err)
		assert.Equal(t, "high_risk", res.Label)
		assert.Equal(t, [][]string{{"text"}}, second.calls)
	})

	t.Run("propagates errors", func(t *testing.T) {
		second := &staticClassifier{err: errors.New("timeout")}
		cascade := NewCascade(&staticClassifier{}, second, "worrisome")

		_, err := cascade.ClassifySecondary(context.Background(), "text")

		assert.ErrorContains(t, err, "timeout")
	})

	t.Run("errors without second model", func(t *testing.T) {
		cascade := NewCascade(&staticClassifier{}, nil, "worrisome")

		_, err := cascade.ClassifySecondary(context.Background(), "text")

		assert.Error(t, err)
	})
}
