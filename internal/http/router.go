package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/wtf-ops/backend/internal/config"
	"github.com/wtf-ops/backend/internal/http/handlers"
	"github.com/wtf-ops/backend/internal/http/middleware"

	_ "github.com/wtf-ops/backend/docs"
)

func Router(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(h.Logger))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/config", h.ConfigGet)
		api.GET("/categories", h.CategoriesList)
		api.GET("/channels", h.ChannelsList)
		api.GET("/rules", h.RulesList)
		api.GET("/rules/:id", h.RuleGet)
		api.GET("/dispatches", h.DispatchesList)
		api.GET("/dispatches/:id", h.DispatchGet)
		api.GET("/events", h.EventsList)

		api.POST("/messages", h.MessagesRoute)
		api.POST("/messages/raw", h.MessagesRouteRaw)
		api.POST("/messages/batch", h.MessagesBatch)
		api.POST("/messages/ack", h.MessagesAck)
		api.POST("/dispatches/:id/ack", h.DispatchAck)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.PUT("/categories", h.CategoriesReplace)
		admin.PUT("/channels", h.ChannelsReplace)
		admin.PUT("/rules", h.RulesReplace)
		admin.POST("/rules", h.RuleUpsert)
		admin.DELETE("/rules/:id", h.RuleDelete)
		admin.POST("/config/reseed", h.Reseed)
		admin.POST("/debug/resolve", h.DebugResolve)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
