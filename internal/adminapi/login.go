package adminapi

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
	"github.com/chatgate-io/chatgate/pkg/common"
)

const sessionTTL = 24 * time.Hour

type loginPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func registerLoginRoutes() {
	webserver.PubPOST("/login", postLogin)
	webserver.ApiGET("/session", getSession)
}

// postLogin verifies operator credentials and issues a JWT for the admin
// API.
func postLogin(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var opr domain.SysOpr
	err := GetDB(c).Where("username = ?", payload.Username).First(&opr).Error
	if err != nil || opr.Status != common.ENABLED ||
		!common.VerifyPassword(payload.Password, common.GetSecretSalt(), opr.Password) {
		zap.L().Warn("login rejected",
			zap.String("username", payload.Username),
			zap.String("remote_ip", c.RealIP()))
		return fail(c, http.StatusUnauthorized, "BAD_CREDENTIALS", "Invalid username or password", nil)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"uid": opr.ID,
		"usr": opr.Username,
		"lvl": opr.Level,
		"iat": now.Unix(),
		"exp": now.Add(sessionTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(GetAppContext(c).Config().Web.Secret))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to sign session token", nil)
	}

	GetDB(c).Model(&domain.SysOpr{}).Where("id = ?", opr.ID).Update("last_login", now)
	GetDB(c).Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   opr.Username,
		OprIp:     c.RealIP(),
		OptAction: "login",
		OptDesc:   "operator login",
		OptTime:   now,
	})

	return ok(c, map[string]interface{}{
		"token":    signed,
		"username": opr.Username,
		"level":    opr.Level,
		"expires":  now.Add(sessionTTL).Unix(),
	})
}

// getSession echoes the authenticated operator's claims.
func getSession(c echo.Context) error {
	claims := claimsFromContext(c)
	if claims == nil {
		return fail(c, http.StatusUnauthorized, "NO_SESSION", "No active session", nil)
	}
	return ok(c, map[string]interface{}{
		"username": claims["usr"],
		"level":    claims["lvl"],
	})
}

func claimsFromContext(c echo.Context) jwt.MapClaims {
	token, okc := c.Get("user").(*jwt.Token)
	if !okc {
		return nil
	}
	claims, okc := token.Claims.(jwt.MapClaims)
	if !okc {
		return nil
	}
	return claims
}
