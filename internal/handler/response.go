package handler

import "github.com/labstack/echo/v4"

// SuccessResponse writes the standard success envelope.
func SuccessResponse(c echo.Context, status int, message string, data interface{}) error {
	body := map[string]interface{}{
		"success": true,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	return c.JSON(status, body)
}

// ErrorResponse writes the standard error envelope with a machine-readable
// code.
func ErrorResponse(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"message": message,
		"error": map[string]string{
			"code": code,
		},
	})
}
