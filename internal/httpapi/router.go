package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/geoflow/orchestrator/internal/httpapi/auth"
)

// RouterConfig wires the submission surface's handler and auth
// middleware; CORSOrigins mirrors the teacher's router.NewRouter
// allow-list and is passed to cors with AllowCredentials set. The list
// is used as given: cmd/geoflowd defaults it to "*".
type RouterConfig struct {
	Jobs        *JobsHandler
	Auth        *auth.Middleware
	CORSOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	api := router.Group("/")
	if cfg.Auth != nil {
		api.Use(cfg.Auth.RequireAuth())
	}
	api.POST("/jobs/:job_type", cfg.Jobs.Submit)
	api.GET("/jobs/:job_id", cfg.Jobs.GetStatus)

	return router
}
