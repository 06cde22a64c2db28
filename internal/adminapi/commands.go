package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
)

// registerCommandRoutes registers command API routes
func registerCommandRoutes() {
	webserver.ApiGET("/commands", ListCommands)
	webserver.ApiGET("/commands/:id", GetCommand)
}

// ListCommands retrieves the command history
// @Summary get the command list
// @Tags Commands
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param device_id query int false "Device ID"
// @Param status query string false "Command status"
// @Param type query string false "Command type"
// @Success 200 {object} ListResponse
// @Router /api/v1/commands [get]
func ListCommands(c echo.Context) error {
	db := GetDB(c)
	page, perPage := parsePagination(c)

	var total int64
	var items []domain.Command

	query := db.Model(&domain.Command{})
	if deviceID := strings.TrimSpace(c.QueryParam("device_id")); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if cmdType := strings.TrimSpace(c.QueryParam("type")); cmdType != "" {
		query = query.Where("type = ?", cmdType)
	}

	query.Count(&total)
	query.Order("created_at DESC").Limit(perPage).Offset((page - 1) * perPage).Find(&items)
	return paged(c, items, total)
}

// GetCommand fetches a single command
// @Summary get command detail
// @Tags Commands
// @Param id path int true "Command ID"
// @Success 200 {object} domain.Command
// @Router /api/v1/commands/{id} [get]
func GetCommand(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid command ID", nil)
	}

	var cmd domain.Command
	if err := GetDB(c).First(&cmd, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Command not found", nil)
	}
	return ok(c, cmd)
}
