package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
	"github.com/chatgate-io/chatgate/pkg/common"
)

// devicePayload represents the device create request structure
type devicePayload struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Phone       string `json:"phone" validate:"omitempty,max=30"`
	DisplayName string `json:"display_name" validate:"omitempty,max=100"`
	Remark      string `json:"remark" validate:"omitempty,max=500"`
}

// deviceUpdatePayload relaxes validation rules for partial updates
type deviceUpdatePayload struct {
	Name        string `json:"name" validate:"omitempty,min=1,max=100"`
	Phone       string `json:"phone" validate:"omitempty,max=30"`
	DisplayName string `json:"display_name" validate:"omitempty,max=100"`
	Remark      string `json:"remark" validate:"omitempty,max=500"`
}

// registerDeviceRoutes registers device API routes
func registerDeviceRoutes() {
	webserver.ApiGET("/devices", ListDevices)
	webserver.ApiGET("/devices/:id", GetDevice)
	webserver.ApiPOST("/devices", CreateDevice)
	webserver.ApiPUT("/devices/:id", UpdateDevice)
	webserver.ApiDELETE("/devices/:id", DeleteDevice)
	webserver.ApiGET("/devices/:id/qr", GetDeviceQR)
	webserver.ApiGET("/devices/:id/statuslog", ListDeviceStatusLog)
	webserver.ApiPOST("/devices/:id/connect", postDeviceConnect)
	webserver.ApiPOST("/devices/:id/disconnect", postDeviceDisconnect)
	webserver.ApiPOST("/devices/:id/restart", postDeviceRestart)
	webserver.ApiPOST("/devices/:id/reset", postDeviceReset)
}

// ListDevices retrieves the device list
// @Summary get the device list
// @Tags Devices
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param name query string false "Device name"
// @Param status query string false "Device status"
// @Success 200 {object} ListResponse
// @Router /api/v1/devices [get]
func ListDevices(c echo.Context) error {
	db := GetDB(c)
	page, perPage := parsePagination(c)

	var total int64
	var items []domain.Device

	query := db.Model(&domain.Device{})

	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		if strings.EqualFold(db.Name(), "postgres") {
			query = query.Where("name ILIKE ?", "%"+name+"%")
		} else {
			query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
		}
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if phone := strings.TrimSpace(c.QueryParam("phone")); phone != "" {
		query = query.Where("phone = ?", phone)
	}

	query.Count(&total)
	query.Order("id DESC").Limit(perPage).Offset((page - 1) * perPage).Find(&items)

	return paged(c, items, total)
}

// GetDevice fetches a single device
// @Summary get device detail
// @Tags Devices
// @Param id path int true "Device ID"
// @Success 200 {object} domain.Device
// @Router /api/v1/devices/{id} [get]
func GetDevice(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	var device domain.Device
	if err := GetDB(c).First(&device, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
	}
	return ok(c, device)
}

// CreateDevice creates a device record. The device stays disconnected
// until a connect command is issued.
// @Summary create a device
// @Tags Devices
// @Param device body devicePayload true "Device information"
// @Success 200 {object} domain.Device
// @Router /api/v1/devices [post]
func CreateDevice(c echo.Context) error {
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var count int64
	GetDB(c).Model(&domain.Device{}).Where("name = ?", payload.Name).Count(&count)
	if count > 0 {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Device name already exists", nil)
	}
	if payload.Phone != "" {
		GetDB(c).Model(&domain.Device{}).Where("phone = ?", payload.Phone).Count(&count)
		if count > 0 {
			return fail(c, http.StatusConflict, "PHONE_EXISTS", "Device phone already registered", nil)
		}
	}

	device := domain.Device{
		ID:          common.UUIDint64(),
		Name:        payload.Name,
		Phone:       payload.Phone,
		DisplayName: payload.DisplayName,
		Status:      domain.StatusDisconnected,
		Remark:      payload.Remark,
	}
	if err := GetDB(c).Create(&device).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create device", err.Error())
	}

	logOprAction(c, "device_create", "created device "+payload.Name)
	return ok(c, device)
}

// UpdateDevice updates device metadata. Status fields are owned by the
// orchestration layer and cannot be edited here.
// @Summary update a device
// @Tags Devices
// @Param id path int true "Device ID"
// @Param device body deviceUpdatePayload true "Device information"
// @Success 200 {object} domain.Device
// @Router /api/v1/devices/{id} [put]
func UpdateDevice(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	var device domain.Device
	if err := GetDB(c).First(&device, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
	}

	var payload deviceUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	if payload.Name != "" && payload.Name != device.Name {
		var count int64
		GetDB(c).Model(&domain.Device{}).Where("name = ? AND id != ?", payload.Name, id).Count(&count)
		if count > 0 {
			return fail(c, http.StatusConflict, "NAME_EXISTS", "Device name already exists", nil)
		}
	}

	updates := make(map[string]interface{})
	if payload.Name != "" {
		updates["name"] = payload.Name
	}
	if payload.Phone != "" {
		updates["phone"] = payload.Phone
	}
	if payload.DisplayName != "" {
		updates["display_name"] = payload.DisplayName
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}

	if len(updates) > 0 {
		if err := GetDB(c).Model(&device).Updates(updates).Error; err != nil {
			return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update device", err.Error())
		}
	}

	GetDB(c).First(&device, id)
	return ok(c, device)
}

// DeleteDevice removes a device and its dependent records.
// @Summary delete a device
// @Tags Devices
// @Param id path int true "Device ID"
// @Success 204
// @Router /api/v1/devices/{id} [delete]
func DeleteDevice(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	repo := devices.NewGormDeviceRepository(GetDB(c))
	if err := repo.Delete(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete device", err.Error())
	}

	logOprAction(c, "device_delete", "deleted device "+c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// GetDeviceQR returns the current pairing code when one is valid.
// @Summary get device pairing code
// @Tags Devices
// @Param id path int true "Device ID"
// @Router /api/v1/devices/{id}/qr [get]
func GetDeviceQR(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	code, valid, err := GetAppContext(c).QRManager().Current(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "QR_FAILED", "Failed to read pairing code", err.Error())
	}
	if !valid {
		return fail(c, http.StatusNotFound, "QR_EXPIRED", "No valid pairing code, issue a connect command to obtain one", nil)
	}
	return ok(c, map[string]interface{}{"qr": code})
}

// ListDeviceStatusLog returns the transition audit trail of a device.
// @Summary list device status transitions
// @Tags Devices
// @Param id path int true "Device ID"
// @Success 200 {object} ListResponse
// @Router /api/v1/devices/{id}/statuslog [get]
func ListDeviceStatusLog(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	page, perPage := parsePagination(c)

	var total int64
	var items []domain.DeviceStatusLog
	query := GetDB(c).Model(&domain.DeviceStatusLog{}).Where("device_id = ?", id)
	query.Count(&total)
	query.Order("id DESC").Limit(perPage).Offset((page - 1) * perPage).Find(&items)
	return paged(c, items, total)
}

func postDeviceConnect(c echo.Context) error {
	return enqueueDeviceCommand(c, domain.CommandConnect)
}

func postDeviceDisconnect(c echo.Context) error {
	return enqueueDeviceCommand(c, domain.CommandDisconnect)
}

func postDeviceRestart(c echo.Context) error {
	return enqueueDeviceCommand(c, domain.CommandRestart)
}

func postDeviceReset(c echo.Context) error {
	return enqueueDeviceCommand(c, domain.CommandReset)
}

// enqueueDeviceCommand funnels the device action endpoints through the
// dispatcher and maps its error taxonomy onto HTTP statuses.
func enqueueDeviceCommand(c echo.Context, cmdType string) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	cmd, err := GetAppContext(c).Dispatcher().Enqueue(c.Request().Context(), id, cmdType, oprName(c), nil)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return fail(c, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		case errors.Is(err, domain.ErrTerminalDevice):
			return fail(c, http.StatusConflict, "TERMINAL_STATUS", "Device requires a reset before further commands", err.Error())
		case errors.Is(err, domain.ErrConflict):
			return fail(c, http.StatusConflict, "COMMAND_IN_FLIGHT", "Device already has a command in flight", err.Error())
		case errors.Is(err, domain.ErrGatewayUnavailable):
			return fail(c, http.StatusServiceUnavailable, "GATEWAY_DOWN", "Messaging gateway is unavailable", err.Error())
		case errors.Is(err, domain.ErrGatewayRejected):
			return fail(c, http.StatusBadGateway, "GATEWAY_REJECTED", "Messaging gateway rejected the command", err.Error())
		case errors.Is(err, domain.ErrValidation):
			return fail(c, http.StatusBadRequest, "INVALID_COMMAND", "Invalid command", err.Error())
		default:
			return fail(c, http.StatusInternalServerError, "COMMAND_FAILED", "Failed to issue command", err.Error())
		}
	}

	logOprAction(c, "device_"+cmdType, "issued "+cmdType+" for device "+c.Param("id"))
	return ok(c, cmd)
}
