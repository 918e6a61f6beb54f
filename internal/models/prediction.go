package models

// Prediction represents a row of the 'predictions' table.
// There is at most one prediction per event; EventID is unique.
type Prediction struct {
	EventID      string  `db:"event_id" json:"event_id"`
	Label        string  `db:"label" json:"label"`
	Score        float64 `db:"score" json:"score"` // Max softmax probability, [0,1]
	ModelVersion string  `db:"model_version" json:"model_version"`
	InputText    *string `db:"input_text" json:"input_text,omitempty"`

	// Second-stage model output, only set when the cascade ran
	Label2        *string  `db:"label2" json:"label2,omitempty"`
	Score2        *float64 `db:"score2" json:"score2,omitempty"`
	ModelVersion2 *string  `db:"model_version2" json:"model_version2,omitempty"`
}
