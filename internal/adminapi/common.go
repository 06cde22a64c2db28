// Package adminapi implements the JWT-protected dashboard REST API.
package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/internal/app"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
	"github.com/chatgate-io/chatgate/pkg/common"
)

// ErrorResponse is the error envelope returned by every failing handler.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

// ListResponse is the paged list envelope.
type ListResponse struct {
	Data  interface{} `json:"data"`
	Total int64       `json:"total"`
}

// InitRouter registers every admin API route. The webserver must be
// initialized first.
func InitRouter() {
	registerLoginRoutes()
	registerDeviceRoutes()
	registerCommandRoutes()
	registerTokenRoutes()
	registerWebhookLogRoutes()
	registerSchedulerRoutes()
	registerSettingRoutes()
	registerOpsRoutes()
}

// GetAppContext returns the application context bound to the request.
func GetAppContext(c echo.Context) app.AppContext {
	return webserver.GetAppContext(c)
}

// GetDB returns the request-scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return webserver.GetAppContext(c).DB()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, ErrorResponse{Code: code, Message: message, Detail: detail})
}

func paged(c echo.Context, data interface{}, total int64) error {
	return c.JSON(http.StatusOK, ListResponse{Data: data, Total: total})
}

// handleValidationError maps validator failures onto a 400 envelope.
func handleValidationError(c echo.Context, err error) error {
	if verrs, okc := err.(validator.ValidationErrors); okc {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", fields)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", err.Error())
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// parseIDParam reads the :id route parameter.
func parseIDParam(c echo.Context) (int64, error) {
	return parseInt64(c.Param("id"))
}

// parsePagination normalizes page/perPage query parameters.
func parsePagination(c echo.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	perPage, _ = strconv.Atoi(c.QueryParam("perPage"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}
	return page, perPage
}

// oprName resolves the operator username from the JWT claims.
func oprName(c echo.Context) string {
	if claims := claimsFromContext(c); claims != nil {
		if name, okc := claims["usr"].(string); okc {
			return name
		}
	}
	return "unknown"
}

// logOprAction writes an operator audit log row.
func logOprAction(c echo.Context, action, desc string) {
	GetDB(c).Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   oprName(c),
		OprIp:     c.RealIP(),
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	})
}
