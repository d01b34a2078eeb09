package auth

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/facialdata/collector/pkg/response"
	"github.com/facialdata/collector/pkg/utils"
)

// Handler serves operator login.
type Handler struct {
	jwtService   *JWTService
	passwordHash string
	logger       *zap.Logger
}

func NewHandler(jwtService *JWTService, passwordHash string, logger *zap.Logger) *Handler {
	return &Handler{jwtService: jwtService, passwordHash: passwordHash, logger: logger}
}

// Login handles POST /api/admin/login. The operator authenticates with a
// single shared password; a valid login yields an admin JWT.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Password is required")
		return
	}
	if h.passwordHash == "" || !utils.CheckPassword(req.Password, h.passwordHash) {
		response.Unauthorized(c, "Invalid password")
		return
	}

	token, err := h.jwtService.Generate()
	if err != nil {
		h.logger.Error("generate admin token", zap.Error(err))
		response.Internal(c, "Failed to generate token")
		return
	}
	response.OK(c, gin.H{"token": token})
}
