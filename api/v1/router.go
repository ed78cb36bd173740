package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/stagehand/stagehand/middleware"
)

// RegisterRoutes registers all v1 API routes
func RegisterRoutes(router *gin.RouterGroup, deployments *DeploymentController) {
	// Health check endpoint
	router.GET("/health", HealthCheck)

	// Auth endpoints
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", Register)
		authGroup.POST("/login", Login)
		authGroup.POST("/logout", Logout)
		// Use auth middleware here only for the /me endpoint
		authGroup.GET("/me", middleware.AuthMiddleware(), GetCurrentUser)
	}

	// Deployment endpoints - protected by AuthMiddleware
	authRouter := router.Group("")
	authRouter.Use(middleware.AuthMiddleware())
	deployments.RegisterRoutes(authRouter)

	// Archive maintenance - admins only. AdminMiddleware reads the role
	// AuthMiddleware sets, so both run on this group.
	adminGroup := router.Group("/admin")
	adminGroup.Use(middleware.AuthMiddleware(), middleware.AdminMiddleware())
	deployments.RegisterAdminRoutes(adminGroup)
}
