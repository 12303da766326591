package v1

import (
	"gobii_runner/api/v1/auth"
	"gobii_runner/api/v1/middleware"
	"gobii_runner/api/v1/settings"
	"gobii_runner/api/v1/tasks"
	internalauth "gobii_runner/internal/auth"
	"gobii_runner/internal/execution"
	"gobii_runner/internal/httpx"
	"gobii_runner/internal/store"

	"github.com/gin-gonic/gin"
)

// Deps holds the services the API is built on
type Deps struct {
	Service     *execution.Service
	Credentials store.CredentialStore
	Tokens      *internalauth.Manager
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, deps *Deps) {
	v1 := r.Group("/api/v1")
	{
		// Public routes
		v1.GET("/ping", pingHandler)
		v1.POST("/auth/login", auth.LoginHandler(deps.Tokens))

		protected := v1.Group("")
		protected.Use(middleware.AuthRequired(deps.Tokens))
		{
			tasksHandler := tasks.NewHandler(deps.Service)
			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.GET("", tasksHandler.List)
				tasksGroup.GET("/active", tasksHandler.Active)
				tasksGroup.GET("/:id", tasksHandler.Get)
				tasksGroup.POST("/create", tasksHandler.Create)
				tasksGroup.POST("/update", tasksHandler.Update)
				tasksGroup.POST("/delete", tasksHandler.Delete)
				tasksGroup.POST("/run", tasksHandler.Run)
				tasksGroup.POST("/resume", tasksHandler.Resume)
			}

			settingsHandler := settings.NewHandler(deps.Credentials)
			settingsGroup := protected.Group("/settings")
			{
				settingsGroup.GET("/api-key", settingsHandler.GetAPIKey)
				settingsGroup.POST("/api-key", settingsHandler.SetAPIKey)
				settingsGroup.POST("/api-key/delete", settingsHandler.DeleteAPIKey)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}
