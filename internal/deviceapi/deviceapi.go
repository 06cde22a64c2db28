// Package deviceapi exposes the unauthenticated HTTP surface: the gateway
// webhook receiver and the token-guarded external device API.
package deviceapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webhook"
	"github.com/chatgate-io/chatgate/internal/webserver"
)

const signatureHeader = "X-Webhook-Signature"

// InitRouter registers the public routes. The webserver must be
// initialized first.
func InitRouter() {
	webserver.PubPOST("/webhooks/gateway", postWebhook)

	webserver.PubGET("/api/device/:id/status", getDeviceStatus)
	webserver.PubGET("/api/device/:id/qr", getDeviceQR)
	webserver.PubPOST("/api/device/:id/connect", postDeviceConnect)
	webserver.PubPOST("/api/device/:id/disconnect", postDeviceDisconnect)
	webserver.PubPOST("/api/device/:id/restart", postDeviceRestart)
}

// postWebhook receives gateway callbacks. The response code mirrors the
// persisted delivery outcome so the gateway's retry logic sees the truth.
func postWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	ingestor := webserver.GetAppContext(c).Ingestor()
	ev, err := ingestor.Ingest(c.Request().Context(), webhook.Delivery{
		Body:      body,
		Signature: c.Request().Header.Get(signatureHeader),
		RemoteIP:  c.RealIP(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		code := http.StatusInternalServerError
		if ev != nil && ev.ResponseCode != 0 {
			code = ev.ResponseCode
		}
		return c.JSON(code, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"received": true})
}

// authDevice authenticates the bearer token and checks it is bound to the
// device in the path.
func authDevice(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errors.Wrap(domain.ErrValidation, "invalid device id")
	}

	token := c.Request().Header.Get("X-Api-Token")
	if token == "" {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		token = strings.TrimPrefix(auth, "Bearer ")
	}

	guard := webserver.GetAppContext(c).TokenGuard()
	tok, err := guard.Validate(c.Request().Context(), token)
	if err != nil {
		return 0, err
	}
	if err := guard.Authorize(tok, id); err != nil {
		return 0, err
	}
	return id, nil
}

func deviceAPIError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrTerminalDevice), errors.Is(err, domain.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "gateway unavailable"})
	case errors.Is(err, domain.ErrGatewayRejected):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func getDeviceStatus(c echo.Context) error {
	id, err := authDevice(c)
	if err != nil {
		return deviceAPIError(c, err)
	}

	device, err := webserver.GetAppContext(c).DeviceService().Repo().GetByID(c.Request().Context(), id)
	if err != nil {
		return deviceAPIError(c, domain.ErrNotFound)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"device_id":    strconv.FormatInt(device.ID, 10),
		"status":       device.Status,
		"is_online":    device.IsOnline,
		"display_name": device.DisplayName,
		"last_seen":    device.LastSeen,
		"retry_count":  device.RetryCount,
	})
}

func getDeviceQR(c echo.Context) error {
	id, err := authDevice(c)
	if err != nil {
		return deviceAPIError(c, err)
	}

	code, valid, err := webserver.GetAppContext(c).QRManager().Current(c.Request().Context(), id)
	if err != nil {
		return deviceAPIError(c, err)
	}
	if !valid {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no valid pairing code"})
	}
	return c.JSON(http.StatusOK, map[string]string{"qr": code})
}

func postDeviceConnect(c echo.Context) error {
	return enqueue(c, domain.CommandConnect)
}

func postDeviceDisconnect(c echo.Context) error {
	return enqueue(c, domain.CommandDisconnect)
}

func postDeviceRestart(c echo.Context) error {
	return enqueue(c, domain.CommandRestart)
}

func enqueue(c echo.Context, cmdType string) error {
	id, err := authDevice(c)
	if err != nil {
		return deviceAPIError(c, err)
	}

	cmd, err := webserver.GetAppContext(c).Dispatcher().Enqueue(
		c.Request().Context(), id, cmdType, "token:"+c.Param("id"), nil)
	if err != nil {
		return deviceAPIError(c, err)
	}
	return c.JSON(http.StatusOK, cmd)
}
