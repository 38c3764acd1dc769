package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draftwell/roomhost/internal/app"
	"github.com/draftwell/roomhost/internal/assets"
	iauth "github.com/draftwell/roomhost/internal/auth"
	"github.com/draftwell/roomhost/internal/edgecache"
	"github.com/draftwell/roomhost/internal/handlers"
	"github.com/draftwell/roomhost/internal/middleware"
	"github.com/draftwell/roomhost/internal/room"
)

// Deps carries the wired subsystems the router exposes.
type Deps struct {
	Registry *room.Registry
	Assets   *assets.Service
	Cache    edgecache.Cache
	Verifier *iauth.Verifier

	UploadRateLimit  int
	UploadRateWindow time.Duration
	Monitoring       app.MonitoringConfig
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
// The returned asset handler is surfaced so the server can drain its
// background cache fills on shutdown.
func NewRouter(deps Deps) (*gin.Engine, *handlers.AssetHandler, error) {
	if deps.Registry == nil {
		return nil, nil, fmt.Errorf("room registry must be provided")
	}
	if deps.Assets == nil {
		return nil, nil, fmt.Errorf("asset service must be provided")
	}
	if deps.Verifier == nil {
		return nil, nil, fmt.Errorf("token verifier must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.GET("/health", handlers.Health())

	if deps.Monitoring.Prometheus.Enabled {
		endpoint := deps.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	connectHandler := handlers.NewConnectHandler(deps.Registry)
	roomHandler := handlers.NewRoomHandler(deps.Registry)
	assetHandler := handlers.NewAssetHandler(deps.Assets, deps.Cache)

	api := r.Group("/api")

	// Socket connects authenticate via query token inside the handler.
	api.GET("/connect/:roomId", connectHandler.Connect)

	rooms := api.Group("/rooms")
	rooms.Use(middleware.Auth(deps.Verifier))
	{
		rooms.GET("/:roomId/pages", roomHandler.ListPages)
		rooms.PUT("/:roomId/pages", roomHandler.MutatePages)
		rooms.DELETE("/:roomId/pages", roomHandler.DeletePages)
		rooms.GET("/:roomId/sessions", roomHandler.ListSessions)
	}

	uploadLimit := deps.UploadRateLimit
	if uploadLimit <= 0 {
		uploadLimit = 300
	}
	uploadWindow := deps.UploadRateWindow
	if uploadWindow <= 0 {
		uploadWindow = time.Minute
	}

	uploads := api.Group("/uploads")
	{
		// Chunk floods are the likeliest abuse vector on this surface.
		uploads.POST("/:uploadId", middleware.RateLimit(uploadLimit, uploadWindow), assetHandler.Upload)
		uploads.GET("/:uploadId", assetHandler.Download)
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, assetHandler, nil
}
