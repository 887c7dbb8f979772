package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"marketdata_backend/models"
	"marketdata_backend/services/retrieval"
)

// QueryController owns the saved-query CRUD API. The retrieval service only
// reads saved queries back when replaying them.
type QueryController struct {
	db  *gorm.DB
	svc *retrieval.Service
}

// NewQueryController creates a new query controller.
func NewQueryController(db *gorm.DB, svc *retrieval.Service) *QueryController {
	return &QueryController{db: db, svc: svc}
}

// QueryDTO is the REST shape of a saved query.
type QueryDTO struct {
	Name                 string   `json:"name" binding:"required"`
	Symbols              []string `json:"symbols" binding:"required,min=1"`
	Frequency            string   `json:"frequency" binding:"required"`
	AssetClass           string   `json:"assetClass"`
	IncludeExtendedHours bool     `json:"includeExtendedHours"`
	ContinuousSeries     bool     `json:"continuousSeries"`
	RollPolicy           string   `json:"rollPolicy"`
	Favorite             bool     `json:"favorite"`
}

// List handles GET /api/v1/queries with search/favorite/sort filters.
func (qc *QueryController) List(c *gin.Context) {
	search := c.Query("search")
	favorite := c.Query("favorite")
	sortBy := c.DefaultQuery("sort", "name")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := qc.db.Model(&models.DataQuery{})
	if search != "" {
		query = query.Where("name LIKE ? OR symbols LIKE ?", "%"+search+"%", "%"+search+"%")
	}
	if favorite == "true" {
		query = query.Where("favorite = ?", true)
	}

	switch sortBy {
	case "executions":
		query = query.Order("execution_count DESC")
	case "recent":
		query = query.Order("last_executed_at DESC")
	default:
		query = query.Order("name ASC")
	}

	var total int64
	query.Count(&total)

	var queries []models.DataQuery
	if err := query.Limit(limit).Offset(offset).Find(&queries).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch queries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": queries,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// Get handles GET /api/v1/queries/:id
func (qc *QueryController) Get(c *gin.Context) {
	q, ok := qc.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": q})
}

// Create handles POST /api/v1/queries
func (qc *QueryController) Create(c *gin.Context) {
	var dto QueryDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	freq := models.Frequency(dto.Frequency)
	if !freq.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported frequency"})
		return
	}

	q := models.DataQuery{
		Name:                 dto.Name,
		Symbols:              strings.Join(dto.Symbols, ","),
		Frequency:            freq,
		AssetClass:           models.AssetClass(dto.AssetClass),
		IncludeExtendedHours: dto.IncludeExtendedHours,
		ContinuousSeries:     dto.ContinuousSeries,
		RollPolicy:           dto.RollPolicy,
		Favorite:             dto.Favorite,
	}
	if err := qc.db.Create(&q).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Failed to create query (name may already exist)"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": q})
}

// Update handles PUT /api/v1/queries/:id
func (qc *QueryController) Update(c *gin.Context) {
	q, ok := qc.load(c)
	if !ok {
		return
	}

	var dto QueryDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	freq := models.Frequency(dto.Frequency)
	if !freq.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported frequency"})
		return
	}

	updates := map[string]interface{}{
		"name":                   dto.Name,
		"symbols":                strings.Join(dto.Symbols, ","),
		"frequency":              freq,
		"asset_class":            dto.AssetClass,
		"include_extended_hours": dto.IncludeExtendedHours,
		"continuous_series":      dto.ContinuousSeries,
		"roll_policy":            dto.RollPolicy,
		"favorite":               dto.Favorite,
	}
	if err := qc.db.Model(q).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update query"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": q})
}

// Delete handles DELETE /api/v1/queries/:id
func (qc *QueryController) Delete(c *gin.Context) {
	q, ok := qc.load(c)
	if !ok {
		return
	}
	if err := qc.db.Delete(q).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete query"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Query deleted"})
}

// Favorite handles POST /api/v1/queries/:id/favorite
func (qc *QueryController) Favorite(c *gin.Context) {
	q, ok := qc.load(c)
	if !ok {
		return
	}
	if err := qc.db.Model(q).Update("favorite", !q.Favorite).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to toggle favorite"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": q.ID, "favorite": !q.Favorite}})
}

// Execute handles POST /api/v1/queries/:id/execute, replaying a saved query
// through the retrieval service.
func (qc *QueryController) Execute(c *gin.Context) {
	q, ok := qc.load(c)
	if !ok {
		return
	}

	result, err := qc.svc.ExecuteSavedQuery(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// load fetches the query named by the :id path param, writing the error
// response itself on failure.
func (qc *QueryController) load(c *gin.Context) (*models.DataQuery, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query id"})
		return nil, false
	}

	var q models.DataQuery
	if err := qc.db.First(&q, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Query not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch query"})
		return nil, false
	}
	return &q, true
}
