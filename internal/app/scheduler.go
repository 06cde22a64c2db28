package app

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	pinglib "github.com/go-ping/ping"
	"go.uber.org/zap"

	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/dispatch"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/pkg/metrics"
)

// SchedulerService runs enabled schedulers periodically
func (a *Application) StartSchedulerService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSchedulers()
			}
		}
	}()
}

// runSchedulers executes enabled schedulers whose next_run_at has passed.
func (a *Application) runSchedulers() {
	var schedulers []domain.SysScheduler
	a.gormDB.Where("status = ?", "enabled").Find(&schedulers)
	now := time.Now()
	for _, sched := range schedulers {
		if sched.NextRunAt.IsZero() || now.After(sched.NextRunAt) || now.Equal(sched.NextRunAt) {
			a.runScheduler(&sched)
			a.gormDB.Model(&domain.SysScheduler{}).Where("id = ?", sched.ID).
				Update("next_run_at", now.Add(time.Duration(sched.Interval)*time.Second))
		}
	}
}

func (a *Application) runScheduler(sched *domain.SysScheduler) {
	switch sched.TaskType {
	case "gateway_latency":
		a.runGatewayLatencyScheduler(sched)
	case "qr_sweep":
		a.runQrSweepScheduler(sched)
	case "webhook_cleanup":
		a.runWebhookCleanupScheduler(sched)
	case "auto_reconnect":
		a.runAutoReconnectScheduler(sched)
	default:
		// unsupported task type
	}
}

// RunSchedulerNow triggers a scheduler execution immediately by ID
func (a *Application) RunSchedulerNow(id int64) error {
	var sched domain.SysScheduler
	if err := a.gormDB.First(&sched, id).Error; err != nil {
		return err
	}

	a.runScheduler(&sched)

	now := time.Now()
	a.gormDB.Model(&domain.SysScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at": now,
		"next_run_at": now.Add(time.Duration(sched.Interval) * time.Second),
	})
	return nil
}

func (a *Application) finishScheduler(sched *domain.SysScheduler, result, message string) {
	a.gormDB.Model(&domain.SysScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at":  time.Now(),
		"last_result":  result,
		"last_message": message,
	})
}

// runGatewayLatencyScheduler measures round-trip time to the gateway host
// and records it as a gauge alongside the health verdict.
func (a *Application) runGatewayLatencyScheduler(sched *domain.SysScheduler) {
	host := gatewayHost(a.appConfig.Gateway.URL)
	if host == "" {
		a.finishScheduler(sched, "failed", "gateway url not configured")
		return
	}

	latency := pingHost(host)
	metrics.SetGauge("gateway_latency_ms", int64(latency))

	healthy := a.gatewayClient.Health(context.Background())
	up := int64(0)
	if healthy {
		up = 1
	}
	metrics.SetGauge("gateway_up", up)

	zap.L().Info("gateway latency probed",
		zap.String("host", host),
		zap.Int("latency_ms", latency),
		zap.Bool("healthy", healthy))
	a.finishScheduler(sched, "success", fmt.Sprintf("latency=%dms healthy=%v", latency, healthy))
}

func (a *Application) runQrSweepScheduler(sched *domain.SysScheduler) {
	repo := devices.NewGormDeviceRepository(a.gormDB)
	n, err := repo.ExpireQRCodes(context.Background(), time.Now())
	if err != nil {
		a.finishScheduler(sched, "failed", err.Error())
		return
	}
	if n > 0 {
		zap.L().Info("expired pairing codes cleared", zap.Int64("count", n))
	}
	a.finishScheduler(sched, "success", fmt.Sprintf("cleared %d expired codes", n))
}

func (a *Application) runWebhookCleanupScheduler(sched *domain.SysScheduler) {
	idays := a.ConfigMgr().GetInt("webhook", "HistoryDays")
	if idays == 0 {
		idays = 90
	}
	ret := a.gormDB.
		Where("created_at < ?", time.Now().Add(-time.Hour*24*time.Duration(idays))).
		Delete(&domain.WebhookEvent{})
	if ret.Error != nil {
		a.finishScheduler(sched, "failed", ret.Error.Error())
		return
	}
	a.finishScheduler(sched, "success", fmt.Sprintf("removed %d webhook logs", ret.RowsAffected))
}

// runAutoReconnectScheduler issues system connect commands for dropped
// devices that still have retry budget. The dispatcher enforces the budget
// and the one-in-flight rule; refusals here are expected traffic.
func (a *Application) runAutoReconnectScheduler(sched *domain.SysScheduler) {
	repo := devices.NewGormDeviceRepository(a.gormDB)
	threshold := a.ConfigMgr().GetInt("device", "MaxConnectRetries")
	if threshold <= 0 {
		threshold = dispatch.DefaultRetryThreshold
	}

	candidates, err := repo.ReconnectCandidates(context.Background(), threshold, 50)
	if err != nil {
		a.finishScheduler(sched, "failed", err.Error())
		return
	}

	issued := 0
	for _, dev := range candidates {
		_, err := a.dispatcher.Enqueue(context.Background(), dev.ID,
			domain.CommandConnect, dispatch.IssuerSystem, nil)
		if err != nil {
			zap.L().Debug("auto reconnect skipped",
				zap.Int64("device_id", dev.ID), zap.Error(err))
			continue
		}
		issued++
	}
	a.finishScheduler(sched, "success", fmt.Sprintf("issued %d reconnects for %d candidates", issued, len(candidates)))
}

func gatewayHost(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}

// pingHost returns latency in ms, falling back to a TCP dial when ICMP is
// not permitted. -1 means unreachable.
func pingHost(host string) int {
	pinger, err := pinglib.NewPinger(host)
	if err == nil {
		pinger.Count = 3
		pinger.Timeout = 3 * time.Second
		pinger.SetPrivileged(false)
		if err = pinger.Run(); err == nil {
			stats := pinger.Statistics()
			if stats.PacketsRecv > 0 {
				return int(stats.AvgRtt.Milliseconds())
			}
		}
	}

	for _, p := range []int{443, 80, 3000, 8080} {
		addr := fmt.Sprintf("%s:%d", host, p)
		start := time.Now()
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			conn.Close()
			return int(time.Since(start).Milliseconds())
		}
	}
	return -1
}
