package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/domain"
)

const testSecret = "s3cret"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:webhook_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeResolver struct {
	resolved []int64
	byDevice []int64
}

func (f *fakeResolver) Resolve(ctx context.Context, commandID int64, success bool, response datatypes.JSON) error {
	f.resolved = append(f.resolved, commandID)
	return nil
}

func (f *fakeResolver) ResolveLatest(ctx context.Context, deviceID int64, success bool, response datatypes.JSON) error {
	f.byDevice = append(f.byDevice, deviceID)
	return nil
}

func newTestIngestor(t *testing.T) (*Ingestor, *gorm.DB, *fakeResolver) {
	t.Helper()
	db := newTestDB(t)
	state := devices.NewService(db, devices.NewGormDeviceRepository(db), nil)
	resolver := &fakeResolver{}
	ing := NewIngestor(db, state, devices.NewQRManager(db), resolver, testSecret)
	return ing, db, resolver
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func delivery(body string) Delivery {
	b := []byte(body)
	return Delivery{Body: b, Signature: sign(b), RemoteIP: "10.0.0.1"}
}

func seedDevice(t *testing.T, db *gorm.DB, id int64, status string) {
	t.Helper()
	if err := db.Create(&domain.Device{ID: id, Name: fmt.Sprintf("dev-%d", id), Status: status}).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestIngestBadSignatureLeavesNoTrace(t *testing.T) {
	ing, db, _ := newTestIngestor(t)

	d := delivery(`{"event":"device_status_change","deviceId":"1","data":{"status":"connected"}}`)
	d.Signature = "sha256=deadbeef"
	_, err := ing.Ingest(context.Background(), d)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var count int64
	db.Model(&domain.WebhookEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("unauthenticated delivery must not be logged, got %d rows", count)
	}
}

func TestIngestAllowlist(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	if err := ing.SetAllowlist([]string{"192.168.0.0/16"}); err != nil {
		t.Fatalf("allowlist: %v", err)
	}

	d := delivery(`{"event":"message_count","deviceId":"1","data":{"count":3}}`)
	d.RemoteIP = "10.0.0.1"
	if _, err := ing.Ingest(context.Background(), d); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for off-list ip, got %v", err)
	}
}

func TestIngestMalformedBodyIsLogged(t *testing.T) {
	ing, db, _ := newTestIngestor(t)

	_, err := ing.Ingest(context.Background(), delivery(`{"event":`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var ev domain.WebhookEvent
	if err := db.First(&ev).Error; err != nil {
		t.Fatalf("malformed delivery must still be logged: %v", err)
	}
	if ev.Success || ev.ResponseCode != 400 {
		t.Fatalf("expected failed 400 row, got success=%v code=%d", ev.Success, ev.ResponseCode)
	}
}

func TestIngestUnknownEventType(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	seedDevice(t, db, 1, domain.StatusConnected)

	_, err := ing.Ingest(context.Background(),
		delivery(`{"event":"battery_level","deviceId":"1","data":{"pct":40}}`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var ev domain.WebhookEvent
	db.First(&ev)
	if ev.Success || ev.Type != "battery_level" {
		t.Fatalf("unknown type must be logged as failed, got %+v", ev)
	}
	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusConnected {
		t.Fatalf("unknown event must not mutate device state, got %s", dev.Status)
	}
}

func TestIngestStatusChange(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	seedDevice(t, db, 1, domain.StatusConnecting)

	ev, err := ing.Ingest(context.Background(), delivery(
		`{"event":"device_status_change","deviceId":"1","eventId":"ev-1",`+
			`"data":{"status":"connected","isOnline":true,"displayName":"Main Line"}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !ev.Success || ev.ResponseCode != 200 {
		t.Fatalf("expected success row, got %+v", ev)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusConnected || !dev.IsOnline {
		t.Fatalf("expected connected/online, got %s online=%v", dev.Status, dev.IsOnline)
	}
	if dev.DisplayName != "Main Line" {
		t.Fatalf("display name not applied: %q", dev.DisplayName)
	}
}

func TestIngestDuplicateDelivery(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	seedDevice(t, db, 1, domain.StatusConnecting)

	body := `{"event":"device_status_change","deviceId":"1","eventId":"ev-dup",` +
		`"data":{"status":"connected"}}`
	if _, err := ing.Ingest(context.Background(), delivery(body)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	ev, err := ing.Ingest(context.Background(), delivery(body))
	if err != nil {
		t.Fatalf("duplicate ingest must be acknowledged, got %v", err)
	}
	if ev.ErrorMessage != "duplicate delivery ignored" {
		t.Fatalf("expected duplicate marker, got %q", ev.ErrorMessage)
	}

	var logs int64
	db.Model(&domain.DeviceStatusLog{}).Count(&logs)
	if logs != 1 {
		t.Fatalf("duplicate must not re-apply the transition, got %d log rows", logs)
	}

	// gateways number events per device; the same id from another device
	// is a fresh delivery
	seedDevice(t, db, 2, domain.StatusConnecting)
	ev, err = ing.Ingest(context.Background(), delivery(
		`{"event":"device_status_change","deviceId":"2","eventId":"ev-dup",`+
			`"data":{"status":"connected"}}`))
	if err != nil {
		t.Fatalf("same event id for another device: %v", err)
	}
	if ev.ErrorMessage == "duplicate delivery ignored" {
		t.Fatal("event id scope must be per device, delivery was dropped")
	}
	db.Model(&domain.DeviceStatusLog{}).Count(&logs)
	if logs != 2 {
		t.Fatalf("expected a transition for device 2, got %d log rows", logs)
	}
}

func TestIngestTerminalStatusSticks(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	seedDevice(t, db, 1, domain.StatusBanned)

	_, err := ing.Ingest(context.Background(), delivery(
		`{"event":"device_status_change","deviceId":"1","data":{"status":"connected"}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusBanned {
		t.Fatalf("webhook must not lift a banned device, got %s", dev.Status)
	}
}

func TestIngestQrUpdate(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	seedDevice(t, db, 1, domain.StatusConnecting)

	_, err := ing.Ingest(context.Background(), delivery(
		`{"event":"qr_update","deviceId":"1","data":{"qr":"2@pairme","ttl":120}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var dev domain.Device
	db.First(&dev, 1)
	if dev.QrCode != "2@pairme" || dev.Status != domain.StatusPairing {
		t.Fatalf("expected pairing with qr, got %s qr=%q", dev.Status, dev.QrCode)
	}
	if dev.QrExpiresAt == nil {
		t.Fatal("qr expiry not set")
	}
}

func TestIngestCommandResult(t *testing.T) {
	ing, db, resolver := newTestIngestor(t)
	seedDevice(t, db, 1, domain.StatusConnecting)

	_, err := ing.Ingest(context.Background(), delivery(
		`{"event":"command_result","deviceId":"1","data":{"commandId":"9001","success":true}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(resolver.resolved) != 1 || resolver.resolved[0] != 9001 {
		t.Fatalf("expected resolve of command 9001, got %v", resolver.resolved)
	}

	_, err = ing.Ingest(context.Background(), delivery(
		`{"event":"command_result","deviceId":"1","data":{"success":false}}`))
	if err != nil {
		t.Fatalf("ingest without command id: %v", err)
	}
	if len(resolver.byDevice) != 1 || resolver.byDevice[0] != 1 {
		t.Fatalf("expected device-scoped resolve, got %v", resolver.byDevice)
	}
}

func TestIngestUnknownDeviceLogged(t *testing.T) {
	ing, db, _ := newTestIngestor(t)

	_, err := ing.Ingest(context.Background(), delivery(
		`{"event":"device_status_change","deviceId":"404","data":{"status":"connected"}}`))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var ev domain.WebhookEvent
	db.First(&ev)
	if ev.Success || ev.ResponseCode != 400 {
		t.Fatalf("expected failed 400 row, got %+v", ev)
	}
}
