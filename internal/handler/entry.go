package handler

import (
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/models"
)

// SummaryLength is the number of characters echoed back by AnalyzeEntry.
const SummaryLength = 100

type EntryHandler interface {
	Health(c *gin.Context)
	AnalyzeEntry(c *gin.Context)
}

type entryHandler struct {
	logger *zap.Logger
}

func NewEntryHandler(logger *zap.Logger) EntryHandler {
	return &entryHandler{logger: logger}
}

// Health answers GET / with a plain "OK".
func (h *entryHandler) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// AnalyzeEntry is a placeholder analysis: the first 100 characters and the character count.
func (h *entryHandler) AnalyzeEntry(c *gin.Context) {
	var req models.AnalyzeEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind JSON for analyze-entry", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, Analyze(req.Text))
}

// Analyze builds the placeholder response. Lengths are counted in runes.
func Analyze(text string) models.AnalyzeEntryResponse {
	return models.AnalyzeEntryResponse{
		Summary: prefix(text, SummaryLength),
		Length:  utf8.RuneCountInString(text),
	}
}

func prefix(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
