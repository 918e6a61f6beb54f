package models

// AnalyzeEntryRequest is the body of POST /analyze-entry.
type AnalyzeEntryRequest struct {
	Text string `json:"text"`
}

// AnalyzeEntryResponse is the placeholder analysis returned for a journal entry.
type AnalyzeEntryResponse struct {
	Summary string `json:"summary"`
	Length  int    `json:"length"`
}
