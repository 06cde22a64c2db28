package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
)

// settingPayload represents the setting update request structure
type settingPayload struct {
	Type  string `json:"type" validate:"required,max=50"`
	Name  string `json:"name" validate:"required,max=100"`
	Value string `json:"value" validate:"max=2000"`
}

// registerSettingRoutes registers runtime setting routes
func registerSettingRoutes() {
	webserver.ApiGET("/settings", ListSettings)
	webserver.ApiPUT("/settings", UpdateSetting)
}

// ListSettings retrieves the runtime settings
// @Summary get the settings list
// @Tags Settings
// @Param type query string false "Setting category"
// @Success 200 {object} ListResponse
// @Router /api/v1/settings [get]
func ListSettings(c echo.Context) error {
	db := GetDB(c)

	var items []domain.SysConfig
	query := db.Model(&domain.SysConfig{})
	if typ := strings.TrimSpace(c.QueryParam("type")); typ != "" {
		query = query.Where("type = ?", typ)
	}
	query.Order("sort, id").Find(&items)
	return paged(c, items, int64(len(items)))
}

// UpdateSetting writes one runtime setting. Components pick the change up
// through the config manager; no restart is required.
// @Summary update a setting
// @Tags Settings
// @Param setting body settingPayload true "Setting value"
// @Success 200 {object} domain.SysConfig
// @Router /api/v1/settings [put]
func UpdateSetting(c echo.Context) error {
	var payload settingPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	if err := GetAppContext(c).ConfigMgr().Set(payload.Type, payload.Name, payload.Value); err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update setting", err.Error())
	}

	logOprAction(c, "setting_update", payload.Type+"."+payload.Name+"="+payload.Value)

	var cfg domain.SysConfig
	GetDB(c).Where("type = ? and name = ?", payload.Type, payload.Name).First(&cfg)
	return ok(c, cfg)
}
