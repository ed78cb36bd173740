package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	v1 "github.com/stagehand/stagehand/api/v1"
	"github.com/stagehand/stagehand/config"
	"github.com/stagehand/stagehand/database"
	"github.com/stagehand/stagehand/lib/redis"
	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
	"github.com/stagehand/stagehand/providers/kubernetes"
	"github.com/stagehand/stagehand/repositories"
	"github.com/stagehand/stagehand/services"
)

func main() {
	config.LoadEnv()

	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	// The engine runs from memory alone; the archive and operator
	// accounts need Postgres.
	if os.Getenv("DATABASE_URL") != "" {
		database.Initialize()
	} else {
		log.Println("⚠️ DATABASE_URL not set, archive and operator accounts disabled")
	}

	// Optional event publishing.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := redis.Initialize(redisURL); err != nil {
			log.Printf("⚠️ Redis unavailable, deployment events will not be published: %v", err)
		}
	}
	if redis.Enabled() {
		log.Printf("✅ Publishing deployment events on %s", redis.ChannelDeployments)
		defer redis.Close()
	}

	registry := providers.NewRegistry()
	if provider, err := kubernetes.NewFromEnv(); err != nil {
		log.Printf("⚠️ Kubernetes provider unavailable: %v", err)
	} else {
		registry.Register("kubernetes", provider)
	}
	log.Printf("✅ Providers registered: %v", registry.Names())

	history := repositories.NewHistoryStore(config.GetEnvInt("STAGEHAND_HISTORY_CAPACITY", repositories.DefaultHistoryCapacity))
	var archive *repositories.DeploymentArchive
	if database.Available() {
		archive = repositories.NewDeploymentArchive()
	}
	engine := services.NewDeploymentService(history, registry, archive)

	// Initialize router
	router := gin.Default()

	// CORS configuration
	router.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		AllowCredentials: true,
	}))

	// Health check endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "stagehand",
			"version": "1.0.0",
		})
	})

	controller := v1.NewDeploymentController(engine, archive, loadPresets())
	v1.RegisterRoutes(router.Group("/api/v1"), controller)

	// Get port from environment or use default
	port := config.GetEnv("PORT", "8080")

	// Start server
	log.Printf("🚀 Stagehand starting on port %s", port)
	log.Printf("💡 API key auth: %s", func() string {
		if os.Getenv("STAGEHAND_API_KEY") != "" {
			return "Enabled"
		}
		return "Disabled"
	}())
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// loadPresets reads the optional preset catalog named by
// STAGEHAND_PRESETS. A broken catalog disables presets rather than
// blocking startup.
func loadPresets() map[string]models.DeploymentConfig {
	path := os.Getenv("STAGEHAND_PRESETS")
	if path == "" {
		return nil
	}
	presets, err := models.LoadPresets(path)
	if err != nil {
		log.Printf("⚠️ Could not load presets from %s: %v", path, err)
		return nil
	}
	log.Printf("✅ Loaded %d deployment presets from %s", len(presets), path)
	return presets
}
