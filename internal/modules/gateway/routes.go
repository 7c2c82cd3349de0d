package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the socket.io transport and a small stats probe.
// statsMW guards the probe; the socket handshake carries its own auth.
func RegisterRoutes(rg *gin.RouterGroup, hub *Hub, statsMW gin.HandlerFunc) {
	handler := gin.WrapH(hub.Handler())
	rg.Any("/socket.io", handler)
	rg.Any("/socket.io/*any", handler)

	rg.GET("/gateway/stats", statsMW, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connected": hub.ClientCount(""),
		})
	})
}
