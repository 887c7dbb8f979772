package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"marketdata_backend/controllers"
	"marketdata_backend/services/advisor"
	"marketdata_backend/services/breaker"
	"marketdata_backend/services/broadcast"
	"marketdata_backend/services/cache"
	"marketdata_backend/services/partition"
	"marketdata_backend/services/retrieval"
)

// Deps carries the constructed engine components into route registration.
// Everything is built once in main and passed by reference; no globals.
type Deps struct {
	DB        *gorm.DB
	Retrieval *retrieval.Service
	Parts     *partition.Manager
	Store     *cache.Store
	Breaker   *breaker.Breaker
	Advisor   *advisor.Advisor
	Hub       *broadcast.Hub
}

// SetupRoutes registers all API routes.
func SetupRoutes(router *gin.Engine, deps Deps) {
	historyController := controllers.NewHistoryController(deps.Retrieval)
	queryController := controllers.NewQueryController(deps.DB, deps.Retrieval)
	systemController := controllers.NewSystemController(deps.Parts, deps.Store, deps.Breaker, deps.Advisor, deps.Hub)

	api := router.Group("/api/v1")
	{
		// Historical data retrieval
		history := api.Group("/history")
		{
			history.POST("/fetch", historyController.Fetch)
			history.GET("/:symbol/snapshot", historyController.Snapshot)
		}

		// Saved queries
		queries := api.Group("/queries")
		{
			queries.GET("", queryController.List)
			queries.POST("", queryController.Create)
			queries.GET("/:id", queryController.Get)
			queries.PUT("/:id", queryController.Update)
			queries.DELETE("/:id", queryController.Delete)
			queries.POST("/:id/favorite", queryController.Favorite)
			queries.POST("/:id/execute", queryController.Execute)
		}

		// Engine introspection
		system := api.Group("/system")
		{
			system.GET("/partitions", systemController.Partitions)
			system.GET("/partitions/:table", systemController.PartitionList)
			system.GET("/cache", systemController.Cache)
			system.GET("/breaker", systemController.Breaker)
			system.GET("/performance", systemController.Performance)
			system.GET("/subscribers", systemController.Subscribers)
		}
	}

	// Progress event stream
	router.GET("/ws/progress", systemController.Progress)
}
