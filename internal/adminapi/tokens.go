package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
)

// tokenPayload represents the token create request structure
type tokenPayload struct {
	DeviceID int64  `json:"device_id,string" validate:"required"`
	Name     string `json:"name" validate:"required,min=1,max=100"`
}

// registerTokenRoutes registers API token routes
func registerTokenRoutes() {
	webserver.ApiGET("/tokens", ListTokens)
	webserver.ApiPOST("/tokens", CreateToken)
	webserver.ApiDELETE("/tokens/:id", RevokeToken)
}

// ListTokens retrieves the API token list
// @Summary get the API token list
// @Tags Tokens
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param device_id query int false "Device ID"
// @Success 200 {object} ListResponse
// @Router /api/v1/tokens [get]
func ListTokens(c echo.Context) error {
	db := GetDB(c)
	page, perPage := parsePagination(c)

	var total int64
	var items []domain.ApiToken

	query := db.Model(&domain.ApiToken{})
	if deviceID := strings.TrimSpace(c.QueryParam("device_id")); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	query.Count(&total)
	query.Order("id DESC").Limit(perPage).Offset((page - 1) * perPage).Find(&items)
	return paged(c, items, total)
}

// CreateToken mints a device-bound API token. The token value is only
// returned once, on this response.
// @Summary create an API token
// @Tags Tokens
// @Param token body tokenPayload true "Token information"
// @Success 200 {object} domain.ApiToken
// @Router /api/v1/tokens [post]
func CreateToken(c echo.Context) error {
	var payload tokenPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	tok, err := GetAppContext(c).TokenGuard().Issue(c.Request().Context(), payload.DeviceID, payload.Name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create token", err.Error())
	}

	logOprAction(c, "token_create", "issued token "+payload.Name)
	return ok(c, tok)
}

// RevokeToken deactivates a token, keeping its usage history.
// @Summary revoke an API token
// @Tags Tokens
// @Param id path int true "Token ID"
// @Success 204
// @Router /api/v1/tokens/{id} [delete]
func RevokeToken(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid token ID", nil)
	}

	if err := GetAppContext(c).TokenGuard().Revoke(c.Request().Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Token not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke token", err.Error())
	}

	logOprAction(c, "token_revoke", "revoked token "+c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
