package reports

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service, secret []byte) {
	h := &Handler{svc: svc}
	r.GET("/reports/summary", auth.RequireAuth(secret), auth.RequireRole("admin"), h.Summary)
}

func (h *Handler) Summary(c *gin.Context) {
	out, err := h.svc.Summary(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, out)
}
