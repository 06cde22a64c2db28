// Package dispatch owns the command lifecycle: admission control, the
// one-in-flight-per-device guarantee, the synchronous gateway exchange and
// the asynchronous resolution driven by command_result webhooks.
package dispatch

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/gateway"
	"github.com/chatgate-io/chatgate/pkg/common"
)

// IssuerSystem marks commands generated by background jobs rather than an
// operator or API caller. Only these are subject to the retry budget.
const IssuerSystem = "system"

type Dispatcher struct {
	db     *gorm.DB
	state  *devices.Service
	bridge gateway.Bridge
	policy *RetryPolicy
}

func NewDispatcher(db *gorm.DB, state *devices.Service, bridge gateway.Bridge, policy *RetryPolicy) *Dispatcher {
	return &Dispatcher{db: db, state: state, bridge: bridge, policy: policy}
}

// Enqueue validates, admits and persists a command, then hands it to the
// gateway. The returned command is in status processing (gateway accepted),
// completed (reset, handled locally) or failed (gateway rejected).
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID int64, cmdType, issuer string, payload datatypes.JSON) (*domain.Command, error) {
	if !domain.ValidCommandType(cmdType) {
		return nil, errors.Wrapf(domain.ErrValidation, "unknown command type %q", cmdType)
	}

	device, err := d.state.Repo().GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "device %d", deviceID)
		}
		return nil, err
	}

	// banned and auth_failure devices only accept an explicit reset
	if domain.IsTerminalStatus(device.Status) && cmdType != domain.CommandReset {
		return nil, errors.Wrapf(domain.ErrTerminalDevice,
			"device %d is %s, command %s refused", deviceID, device.Status, cmdType)
	}

	if issuer == IssuerSystem && cmdType == domain.CommandConnect {
		if !d.policy.AllowAutoConnect(device) {
			d.policy.NoteExhausted(device)
			return nil, errors.Wrapf(domain.ErrConflict,
				"device %d exceeded the automatic reconnect budget", deviceID)
		}
	}

	// reset is a local operation; it must work precisely when the gateway
	// cannot be reached, so it skips the health gate
	if cmdType != domain.CommandReset && !d.bridge.Health(ctx) {
		return nil, errors.Wrap(domain.ErrGatewayUnavailable, "command refused")
	}

	cmd := &domain.Command{
		ID:       common.UUIDint64(),
		DeviceID: deviceID,
		Type:     cmdType,
		Payload:  payload,
		Status:   domain.CommandPending,
		Issuer:   issuer,
	}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inflight int64
		if err := tx.Model(&domain.Command{}).
			Where("device_id = ? and status in ?", deviceID,
				[]string{domain.CommandPending, domain.CommandProcessing}).
			Count(&inflight).Error; err != nil {
			return err
		}
		if inflight > 0 {
			return errors.Wrapf(domain.ErrConflict,
				"device %d already has a command in flight", deviceID)
		}
		return tx.Create(cmd).Error
	})
	if err != nil {
		// the partial unique index on in-flight commands closes the race
		// when two concurrent enqueues both pass the count above
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Wrapf(domain.ErrConflict,
				"device %d already has a command in flight", deviceID)
		}
		return nil, err
	}

	if cmdType == domain.CommandReset {
		return cmd, d.executeReset(ctx, cmd)
	}
	return cmd, d.execute(ctx, device, cmd)
}

// execute performs the synchronous gateway exchange for a persisted command.
func (d *Dispatcher) execute(ctx context.Context, device *domain.Device, cmd *domain.Command) error {
	var (
		res *gateway.Result
		err error
	)
	switch cmd.Type {
	case domain.CommandConnect:
		res, err = d.bridge.Connect(ctx, cmd.DeviceID)
	case domain.CommandDisconnect:
		res, err = d.bridge.Disconnect(ctx, cmd.DeviceID)
	case domain.CommandRestart:
		res, err = d.bridge.Restart(ctx, cmd.DeviceID)
	}

	if err == nil && res.Accepted() {
		if cmd.Type == domain.CommandConnect {
			_, _ = d.state.ApplyEvent(ctx, cmd.DeviceID, devices.StatusEvent{
				RawStatus: "connecting",
				Timestamp: time.Now(),
				Source:    devices.SourceCommand,
			})
		}
		return d.markProcessing(ctx, cmd)
	}

	reason := "gateway rejected command"
	if err != nil {
		reason = err.Error()
	} else if res.Message != "" {
		reason = res.Message
	}
	zap.L().Warn("command dispatch failed",
		zap.Int64("command_id", cmd.ID),
		zap.Int64("device_id", cmd.DeviceID),
		zap.String("type", cmd.Type),
		zap.String("reason", reason))

	if ferr := d.markFailed(ctx, cmd, reason); ferr != nil {
		return ferr
	}
	if cmd.Type == domain.CommandConnect {
		if rerr := d.state.Repo().IncrementRetry(ctx, cmd.DeviceID); rerr != nil {
			zap.L().Error("retry count bump failed", zap.Int64("device_id", cmd.DeviceID), zap.Error(rerr))
		}
	}
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrGatewayRejected, "%s", reason)
}

// executeReset tears down local session state. The gateway disconnect is
// best effort; a reset must succeed even while the gateway is down.
func (d *Dispatcher) executeReset(ctx context.Context, cmd *domain.Command) error {
	if d.bridge.Health(ctx) {
		if _, err := d.bridge.Disconnect(ctx, cmd.DeviceID); err != nil {
			zap.L().Warn("reset: gateway disconnect skipped",
				zap.Int64("device_id", cmd.DeviceID), zap.Error(err))
		}
	}
	if err := d.state.Reset(ctx, cmd.DeviceID); err != nil {
		_ = d.markFailed(ctx, cmd, err.Error())
		return err
	}
	return d.markCompleted(ctx, cmd, true, nil)
}

// Resolve finalizes an in-flight command from a command_result webhook.
// Results for commands that are not processing are ignored: the gateway
// may replay deliveries.
func (d *Dispatcher) Resolve(ctx context.Context, commandID int64, success bool, response datatypes.JSON) error {
	var cmd domain.Command
	err := d.db.WithContext(ctx).Where("id = ?", commandID).First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(domain.ErrNotFound, "command %d", commandID)
		}
		return err
	}
	if cmd.Status != domain.CommandProcessing {
		zap.L().Info("ignoring result for settled command",
			zap.Int64("command_id", commandID), zap.String("status", cmd.Status))
		return nil
	}

	if err := d.markCompleted(ctx, &cmd, success, response); err != nil {
		return err
	}
	if cmd.Type == domain.CommandConnect {
		if success {
			// a confirmed connect refills the automatic reconnect budget
			if rerr := d.state.Repo().ResetRetry(ctx, cmd.DeviceID); rerr != nil {
				zap.L().Error("retry count reset failed", zap.Int64("device_id", cmd.DeviceID), zap.Error(rerr))
			}
		} else {
			if rerr := d.state.Repo().IncrementRetry(ctx, cmd.DeviceID); rerr != nil {
				zap.L().Error("retry count bump failed", zap.Int64("device_id", cmd.DeviceID), zap.Error(rerr))
			}
		}
	}
	return nil
}

// ResolveLatest settles the newest processing command of a device. Used
// when the gateway reports a result without echoing the command id.
func (d *Dispatcher) ResolveLatest(ctx context.Context, deviceID int64, success bool, response datatypes.JSON) error {
	var cmd domain.Command
	err := d.db.WithContext(ctx).
		Where("device_id = ? and status = ?", deviceID, domain.CommandProcessing).
		Order("created_at desc").
		First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return d.Resolve(ctx, cmd.ID, success, response)
}

// ExpireStale fails processing commands older than maxAge so a lost
// webhook cannot wedge a device behind a phantom in-flight command.
func (d *Dispatcher) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	ret := d.db.WithContext(ctx).Model(&domain.Command{}).
		Where("status in ? and created_at < ?",
			[]string{domain.CommandPending, domain.CommandProcessing}, cutoff).
		Updates(map[string]interface{}{
			"status":       domain.CommandFailed,
			"completed_at": time.Now(),
		})
	return ret.RowsAffected, ret.Error
}

func (d *Dispatcher) markProcessing(ctx context.Context, cmd *domain.Command) error {
	cmd.Status = domain.CommandProcessing
	return d.db.WithContext(ctx).Model(cmd).Update("status", domain.CommandProcessing).Error
}

func (d *Dispatcher) markFailed(ctx context.Context, cmd *domain.Command, reason string) error {
	now := time.Now()
	cmd.Status = domain.CommandFailed
	body, _ := jsoniter.Marshal(map[string]string{"error": reason})
	return d.db.WithContext(ctx).Model(cmd).Updates(map[string]interface{}{
		"status":       domain.CommandFailed,
		"response":     datatypes.JSON(body),
		"completed_at": now,
	}).Error
}

func (d *Dispatcher) markCompleted(ctx context.Context, cmd *domain.Command, success bool, response datatypes.JSON) error {
	now := time.Now()
	status := domain.CommandCompleted
	if !success {
		status = domain.CommandFailed
	}
	cmd.Status = status
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if response != nil {
		updates["response"] = response
	}
	return d.db.WithContext(ctx).Model(cmd).Updates(updates).Error
}
