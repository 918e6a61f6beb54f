package classifier

import (
	"context"
	"fmt"
	"strings"
)

// DefaultTrigger is the primary label that escalates an item to the second model.
const DefaultTrigger = "worrisome"

// Cascade runs a primary model over every item and a secondary model only on
// items whose primary label matches Trigger (case-insensitive).
type Cascade struct {
	Primary   Classifier
	Secondary Classifier // nil disables the second stage
	Trigger   string
}

// NewCascade builds a cascade; an empty trigger means DefaultTrigger.
func NewCascade(primary, secondary Classifier, trigger string) *Cascade {
	if trigger == "" {
		trigger = DefaultTrigger
	}
	return &Cascade{Primary: primary, Secondary: secondary, Trigger: trigger}
}

// ShouldEscalate reports whether a primary label sends the item to the second model.
func (c *Cascade) ShouldEscalate(label string) bool {
	return c.Secondary != nil && strings.EqualFold(label, c.Trigger)
}

// ClassifyPrimary runs the first model over a batch.
func (c *Cascade) ClassifyPrimary(ctx context.Context, texts []string) ([]Result, error) {
	return c.Primary.Classify(ctx, texts)
}

// ClassifySecondary runs the second model on a single item.
func (c *Cascade) ClassifySecondary(ctx context.Context, text string) (Result, error) {
	if c.Secondary == nil {
		return Result{}, fmt.Errorf("cascade has no secondary model")
	}

	results, err := c.Secondary.Classify(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	if len(results) != 1 {
		return Result{}, fmt.Errorf("%w: got %d, want 1", ErrResultCountMismatch, len(results))
	}
	return results[0], nil
}
