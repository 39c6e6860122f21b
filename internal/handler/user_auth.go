package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
)

type AuthHandler struct {
	auth *service.AuthService
}

func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges service-account credentials for a bearer token.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
	}

	token, expiresAt, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		return ErrorResponse(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
	}

	return SuccessResponse(c, http.StatusOK, "Login successful", map[string]interface{}{
		"access_token": token,
		"expires_at":   expiresAt,
	})
}
