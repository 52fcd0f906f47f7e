package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with CORS for UI clients and all API
// routes mounted under /api. Extra middlewares (request logging) run
// before CORS.
func NewRouter(h *Handlers, middlewares ...gin.HandlerFunc) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewares...)

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		api.POST("/auth/sign-in", h.SignIn)
		api.POST("/auth/sign-out", h.SignOut)
		api.GET("/auth/me", h.Me)

		api.GET("/state", h.State)
		api.POST("/calls", h.StartCall)
		api.POST("/calls/current/answer", h.Answer)
		api.POST("/calls/current/reject", h.Reject)
		api.POST("/calls/current/end", h.End)
		api.POST("/calls/current/mute", h.SetMute)
		api.POST("/calls/current/hold", h.SetHold)

		api.POST("/ptt/start", h.StartTalk)
		api.POST("/ptt/stop", h.StopTalk)

		api.GET("/channels", h.Channels)
		api.POST("/channels/refresh", h.RefreshChannels)
		api.GET("/history", h.History)

		api.GET("/push/vapid-key", h.GetVAPIDPublicKey)
		api.POST("/push/subscribe", h.SubscribePush)
		api.POST("/push/unsubscribe", h.UnsubscribePush)

		api.GET("/turn-config", h.TURNConfig)
		api.GET("/ws", h.EventStream)
	}

	return router
}
