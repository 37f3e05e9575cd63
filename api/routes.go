// Package api wires the gin REST surface onto the Engine.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/metal0/mailpilot-sub001/api/handlers"
	"github.com/metal0/mailpilot-sub001/api/middleware"
	"github.com/metal0/mailpilot-sub001/internal/config"
	"github.com/metal0/mailpilot-sub001/internal/mailpilot"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// RegisterRoutes sets up every API endpoint on r.
func RegisterRoutes(ctx context.Context, r *gin.Engine, engine *mailpilot.Engine, cfg *config.AppConfig) {
	if engine == nil {
		panic("engine cannot be nil")
	}

	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	r.GET("/health", handlers.HealthCheck)

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  "X-MAILPILOT-API-KEY",
		ValidAPIKey: cfg.APIKey,
	})

	engineHandler := handlers.NewEngineHandler(engine)

	v1 := r.Group("/v1")
	v1.Use(apiKeyMiddleware)
	v1.Use(middleware.TracingMiddleware(ctx))
	{
		v1.GET("/stats", engineHandler.GetStats())
		v1.GET("/activity", engineHandler.GetActivity())
		v1.GET("/dead-letters", engineHandler.GetDeadLetters())
		v1.POST("/dead-letters/:id/retry", engineHandler.RetryDeadLetter())

		accounts := v1.Group("/accounts/:account")
		{
			accounts.POST("/pause", engineHandler.Pause())
			accounts.POST("/resume", engineHandler.Resume())
			accounts.POST("/reconnect", engineHandler.Reconnect())
			accounts.POST("/process", engineHandler.TriggerProcess())
		}
	}
}
