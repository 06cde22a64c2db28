package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/gateway"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatch_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeBridge struct {
	healthy      bool
	accept       bool
	transportErr bool
	calls        []string
}

func (f *fakeBridge) result() (*gateway.Result, error) {
	if f.transportErr {
		return nil, errors.Wrap(domain.ErrTransientNetwork, "connection refused")
	}
	if f.accept {
		return &gateway.Result{Code: 200, Success: true}, nil
	}
	return &gateway.Result{Code: 400, Success: false, Message: "rejected"}, nil
}

func (f *fakeBridge) Connect(ctx context.Context, id int64) (*gateway.Result, error) {
	f.calls = append(f.calls, "connect")
	return f.result()
}

func (f *fakeBridge) Disconnect(ctx context.Context, id int64) (*gateway.Result, error) {
	f.calls = append(f.calls, "disconnect")
	return f.result()
}

func (f *fakeBridge) Restart(ctx context.Context, id int64) (*gateway.Result, error) {
	f.calls = append(f.calls, "restart")
	return f.result()
}

func (f *fakeBridge) GetQR(ctx context.Context, id int64) (string, error) {
	return "", domain.ErrNotFound
}

func (f *fakeBridge) Health(ctx context.Context) bool {
	return f.healthy
}

func newTestDispatcher(t *testing.T, bridge gateway.Bridge) (*Dispatcher, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	state := devices.NewService(db, devices.NewGormDeviceRepository(db), nil)
	return NewDispatcher(db, state, bridge, NewRetryPolicy(nil, nil)), db
}

func seedDevice(t *testing.T, db *gorm.DB, id int64, status string, retries int) {
	t.Helper()
	dev := &domain.Device{ID: id, Name: fmt.Sprintf("dev-%d", id), Status: status, RetryCount: retries}
	if err := db.Create(dev).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestEnqueueUnknownType(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusDisconnected, 0)

	_, err := d.Enqueue(context.Background(), 1, "explode", "admin", nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEnqueueGatewayDownWritesNothing(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: false})
	seedDevice(t, db, 1, domain.StatusDisconnected, 0)

	_, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	var count int64
	db.Model(&domain.Command{}).Count(&count)
	if count != 0 {
		t.Fatalf("no command row may exist when the gateway is down, got %d", count)
	}
}

func TestEnqueueAccepted(t *testing.T) {
	br := &fakeBridge{healthy: true, accept: true}
	d, db := newTestDispatcher(t, br)
	seedDevice(t, db, 1, domain.StatusDisconnected, 0)

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if cmd.Status != domain.CommandProcessing {
		t.Fatalf("expected processing, got %s", cmd.Status)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusConnecting {
		t.Fatalf("accepted connect should move the device to connecting, got %s", dev.Status)
	}
}

func TestEnqueueConflict(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusDisconnected, 0)

	if _, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := d.Enqueue(context.Background(), 1, domain.CommandRestart, "admin", nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var count int64
	db.Model(&domain.Command{}).Where("device_id = ?", 1).Count(&count)
	if count != 1 {
		t.Fatalf("conflicting enqueue must not persist a row, got %d", count)
	}
}

func TestInflightUniqueIndex(t *testing.T) {
	_, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusDisconnected, 0)

	first := &domain.Command{ID: 1001, DeviceID: 1, Type: domain.CommandConnect,
		Status: domain.CommandPending, Issuer: "admin"}
	if err := db.Create(first).Error; err != nil {
		t.Fatalf("first in-flight command: %v", err)
	}

	// a second writer that slipped past the count check hits the index
	second := &domain.Command{ID: 1002, DeviceID: 1, Type: domain.CommandRestart,
		Status: domain.CommandProcessing, Issuer: "admin"}
	if err := db.Create(second).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicated key for second in-flight command, got %v", err)
	}

	// settled rows are outside the index and may pile up freely
	settled := &domain.Command{ID: 1003, DeviceID: 1, Type: domain.CommandConnect,
		Status: domain.CommandCompleted, Issuer: "admin"}
	if err := db.Create(settled).Error; err != nil {
		t.Fatalf("settled command must not conflict: %v", err)
	}
}

func TestEnqueueRejectedMarksFailedAndBumpsRetry(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: false})
	seedDevice(t, db, 1, domain.StatusError, 2)

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatal("a reject from a reachable gateway must not read as unreachable")
	}
	if cmd == nil || cmd.Status != domain.CommandFailed {
		t.Fatalf("expected failed command, got %+v", cmd)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", dev.RetryCount)
	}
}

func TestTerminalDeviceRefusesEverythingButReset(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusBanned, 5)

	for _, typ := range []string{domain.CommandConnect, domain.CommandDisconnect, domain.CommandRestart} {
		if _, err := d.Enqueue(context.Background(), 1, typ, "admin", nil); !errors.Is(err, domain.ErrTerminalDevice) {
			t.Fatalf("%s on banned device: expected ErrTerminalDevice, got %v", typ, err)
		}
	}

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandReset, "admin", nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cmd.Status != domain.CommandCompleted {
		t.Fatalf("reset should complete synchronously, got %s", cmd.Status)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusDisconnected || dev.RetryCount != 0 {
		t.Fatalf("reset should return device to disconnected with zero retries, got %s/%d",
			dev.Status, dev.RetryCount)
	}
}

func TestResetWorksWhileGatewayDown(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: false})
	seedDevice(t, db, 1, domain.StatusAuthFailure, 5)

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandReset, "admin", nil)
	if err != nil {
		t.Fatalf("reset with gateway down: %v", err)
	}
	if cmd.Status != domain.CommandCompleted {
		t.Fatalf("expected completed, got %s", cmd.Status)
	}
}

func TestAutoConnectBudget(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusError, DefaultRetryThreshold)

	_, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, IssuerSystem, nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("system connect past the budget must be refused, got %v", err)
	}

	// an operator retry is never budget-gated
	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if err != nil {
		t.Fatalf("operator connect: %v", err)
	}
	if cmd.Status != domain.CommandProcessing {
		t.Fatalf("expected processing, got %s", cmd.Status)
	}
	_ = db
}

func TestResolveLifecycle(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusDisconnected, 3)

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := d.Resolve(context.Background(), cmd.ID, true, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var got domain.Command
	db.First(&got, cmd.ID)
	if got.Status != domain.CommandCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %s %v", got.Status, got.CompletedAt)
	}
	var dev domain.Device
	db.First(&dev, 1)
	if dev.RetryCount != 0 {
		t.Fatalf("confirmed connect must clear the retry budget, got %d", dev.RetryCount)
	}

	// replayed delivery is a no-op
	if err := d.Resolve(context.Background(), cmd.ID, false, nil); err != nil {
		t.Fatalf("replayed resolve: %v", err)
	}
	db.First(&got, cmd.ID)
	if got.Status != domain.CommandCompleted {
		t.Fatalf("replay must not flip a settled command, got %s", got.Status)
	}
}

func TestResolveFailureBumpsRetry(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusDisconnected, 1)

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.ResolveLatest(context.Background(), 1, false, nil); err != nil {
		t.Fatalf("resolve latest: %v", err)
	}

	var got domain.Command
	db.First(&got, cmd.ID)
	if got.Status != domain.CommandFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	var dev domain.Device
	db.First(&dev, 1)
	if dev.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", dev.RetryCount)
	}
}

func TestResolveUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	err := d.Resolve(context.Background(), 424242, true, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	d, db := newTestDispatcher(t, &fakeBridge{healthy: true, accept: true})
	seedDevice(t, db, 1, domain.StatusDisconnected, 0)

	cmd, err := d.Enqueue(context.Background(), 1, domain.CommandConnect, "admin", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	db.Model(&domain.Command{}).Where("id = ?", cmd.ID).
		Update("created_at", time.Now().Add(-time.Hour))

	n, err := d.ExpireStale(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired command, got %d", n)
	}
	var got domain.Command
	db.First(&got, cmd.ID)
	if got.Status != domain.CommandFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}
