package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/montanaflynn/stats"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/webserver"
	"github.com/chatgate-io/chatgate/pkg/metrics"
)

// registerOpsRoutes registers operational overview routes
func registerOpsRoutes() {
	webserver.ApiGET("/ops/overview", GetOpsOverview)
	webserver.ApiGET("/ops/metrics/:name", GetOpsMetric)
}

// GetOpsOverview summarizes fleet and gateway health for the dashboard
// landing page.
// @Summary operational overview
// @Tags Ops
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/ops/overview [get]
func GetOpsOverview(c echo.Context) error {
	db := GetDB(c)

	type statusCount struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	var byStatus []statusCount
	db.Model(&domain.Device{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&byStatus)

	var totalDevices, onlineDevices int64
	db.Model(&domain.Device{}).Count(&totalDevices)
	db.Model(&domain.Device{}).Where("is_online = ?", true).Count(&onlineDevices)

	dayAgo := time.Now().Add(-24 * time.Hour)
	var commandsIssued, commandsFailed, inflight int64
	db.Model(&domain.Command{}).Where("created_at > ?", dayAgo).Count(&commandsIssued)
	db.Model(&domain.Command{}).Where("created_at > ? and status = ?", dayAgo, domain.CommandFailed).Count(&commandsFailed)
	db.Model(&domain.Command{}).Where("status in ?",
		[]string{domain.CommandPending, domain.CommandProcessing}).Count(&inflight)

	// webhook processing latency percentiles over the last 24h
	var execTimes []float64
	db.Model(&domain.WebhookEvent{}).
		Where("created_at > ?", dayAgo).
		Pluck("execution_time", &execTimes)

	webhookStats := map[string]interface{}{"count": len(execTimes)}
	if len(execTimes) > 0 {
		if p50, err := stats.Percentile(execTimes, 50); err == nil {
			webhookStats["p50_ms"] = p50
		}
		if p95, err := stats.Percentile(execTimes, 95); err == nil {
			webhookStats["p95_ms"] = p95
		}
		if p99, err := stats.Percentile(execTimes, 99); err == nil {
			webhookStats["p99_ms"] = p99
		}
	}

	var webhookFailed int64
	db.Model(&domain.WebhookEvent{}).
		Where("created_at > ? and success = ?", dayAgo, false).Count(&webhookFailed)
	webhookStats["failed"] = webhookFailed

	return ok(c, map[string]interface{}{
		"devices": map[string]interface{}{
			"total":     totalDevices,
			"online":    onlineDevices,
			"by_status": byStatus,
		},
		"commands": map[string]interface{}{
			"issued_24h": commandsIssued,
			"failed_24h": commandsFailed,
			"in_flight":  inflight,
		},
		"webhooks":        webhookStats,
		"gateway_healthy": GetAppContext(c).Gateway().Health(c.Request().Context()),
	})
}

// GetOpsMetric returns raw datapoints for one metric series.
// @Summary metric time series
// @Tags Ops
// @Param name path string true "Metric name"
// @Param hours query int false "Window in hours"
// @Router /api/v1/ops/metrics/{name} [get]
func GetOpsMetric(c echo.Context) error {
	name := c.Param("name")
	hours := 24
	if h := c.QueryParam("hours"); h != "" {
		if parsed, err := parseInt64(h); err == nil && parsed > 0 && parsed <= 720 {
			hours = int(parsed)
		}
	}

	end := time.Now().Unix()
	start := end - int64(hours)*3600
	points, err := metrics.Select(name, start, end)
	if err != nil {
		return fail(c, http.StatusNotFound, "NO_DATA", "No datapoints for metric", err.Error())
	}
	return ok(c, points)
}
