package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
)

// registerWebhookLogRoutes registers webhook log API routes
func registerWebhookLogRoutes() {
	webserver.ApiGET("/webhooklogs", ListWebhookLogs)
	webserver.ApiGET("/webhooklogs/:id", GetWebhookLog)
}

// ListWebhookLogs retrieves the webhook delivery log
// @Summary get the webhook log list
// @Tags WebhookLogs
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param device_id query int false "Device ID"
// @Param type query string false "Event type"
// @Param success query bool false "Delivery outcome"
// @Success 200 {object} ListResponse
// @Router /api/v1/webhooklogs [get]
func ListWebhookLogs(c echo.Context) error {
	db := GetDB(c)
	page, perPage := parsePagination(c)

	var total int64
	var items []domain.WebhookEvent

	query := db.Model(&domain.WebhookEvent{})
	if deviceID := strings.TrimSpace(c.QueryParam("device_id")); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	if evType := strings.TrimSpace(c.QueryParam("type")); evType != "" {
		query = query.Where("type = ?", evType)
	}
	if success := strings.TrimSpace(c.QueryParam("success")); success != "" {
		query = query.Where("success = ?", success == "true")
	}

	query.Count(&total)
	query.Order("created_at DESC").Limit(perPage).Offset((page - 1) * perPage).Find(&items)
	return paged(c, items, total)
}

// GetWebhookLog fetches a single webhook log entry with its payload
// @Summary get webhook log detail
// @Tags WebhookLogs
// @Param id path int true "Log ID"
// @Success 200 {object} domain.WebhookEvent
// @Router /api/v1/webhooklogs/{id} [get]
func GetWebhookLog(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid log ID", nil)
	}

	var ev domain.WebhookEvent
	if err := GetDB(c).First(&ev, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Webhook log not found", nil)
	}
	return ok(c, ev)
}
