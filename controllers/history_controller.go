package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketdata_backend/models"
	"marketdata_backend/services/retrieval"
)

// HistoryController exposes the historical data retrieval service.
type HistoryController struct {
	svc *retrieval.Service
}

// NewHistoryController creates a new history controller.
func NewHistoryController(svc *retrieval.Service) *HistoryController {
	return &HistoryController{svc: svc}
}

// FetchRequestDTO is the REST shape of a retrieval request. Dates accept
// RFC3339 or plain YYYY-MM-DD.
type FetchRequestDTO struct {
	Symbols              []string `json:"symbols" binding:"required,min=1"`
	Frequency            string   `json:"frequency" binding:"required"`
	Start                string   `json:"start"`
	End                  string   `json:"end"`
	AssetClass           string   `json:"assetClass"`
	IncludeExtendedHours bool     `json:"includeExtendedHours"`
	MaxRecords           int      `json:"maxRecords"`
	ContinuousSeries     bool     `json:"continuousSeries"`
	RollPolicy           string   `json:"rollPolicy"`
}

// Fetch handles POST /api/v1/history/fetch
func (hc *HistoryController) Fetch(c *gin.Context) {
	var dto FetchRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := retrieval.FetchRequest{
		Symbols:              dto.Symbols,
		Frequency:            models.Frequency(dto.Frequency),
		AssetClass:           models.AssetClass(dto.AssetClass),
		IncludeExtendedHours: dto.IncludeExtendedHours,
		MaxRecords:           dto.MaxRecords,
		ContinuousSeries:     dto.ContinuousSeries,
		RollPolicy:           dto.RollPolicy,
	}

	var err error
	if req.Start, err = parseDate(dto.Start); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: " + err.Error()})
		return
	}
	if req.End, err = parseDate(dto.End); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: " + err.Error()})
		return
	}

	result, err := hc.svc.Fetch(c.Request.Context(), req)
	if err != nil {
		var symErr *retrieval.SymbolError
		if errors.As(err, &symErr) && symErr.Kind == retrieval.KindValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": symErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Snapshot handles GET /api/v1/history/:symbol/snapshot
func (hc *HistoryController) Snapshot(c *gin.Context) {
	symbol := c.Param("symbol")

	bar, err := hc.svc.Snapshot(symbol)
	if err != nil {
		var symErr *retrieval.SymbolError
		if errors.As(err, &symErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": symErr.Message})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bar})
}

// parseDate accepts RFC3339 or YYYY-MM-DD; empty means unset.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02", value, time.UTC)
}
