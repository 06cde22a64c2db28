package devices

import (
	"context"
	"fmt"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatgate-io/chatgate/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:devices_%s?mode=memory&cache=shared", t.Name())
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

func newTestService(t *testing.T, bus evbus.Bus) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewService(db, NewGormDeviceRepository(db), bus), db
}

func seedDevice(t *testing.T, db *gorm.DB, dev *domain.Device) {
	t.Helper()
	if dev.Name == "" {
		dev.Name = fmt.Sprintf("dev-%d", dev.ID)
	}
	if err := db.Create(dev).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestCanonicalStatus(t *testing.T) {
	cases := map[string]string{
		"connecting":   domain.StatusConnecting,
		"connected":    domain.StatusConnected,
		"disconnected": domain.StatusDisconnected,
		"pairing":      domain.StatusPairing,
		"banned":       domain.StatusBanned,
		"error":        domain.StatusError,
		"timeout":      domain.StatusTimeout,
		"auth_failure": domain.StatusAuthFailure,
		"logout":       domain.StatusLogout,
	}
	for raw, want := range cases {
		got, ok := CanonicalStatus(raw)
		if !ok || got != want {
			t.Errorf("CanonicalStatus(%q) = %q/%v, want %q/true", raw, got, ok, want)
		}
	}

	got, ok := CanonicalStatus("stream_replaced")
	if ok || got != domain.StatusError {
		t.Fatalf("unmapped status must resolve to error, got %q/%v", got, ok)
	}
}

func TestApplyEventTransition(t *testing.T) {
	bus := evbus.New()
	var published []string
	_ = bus.Subscribe(TopicStatusChanged, func(id int64, status string) {
		published = append(published, fmt.Sprintf("%d:%s", id, status))
	})

	s, db := newTestService(t, bus)
	seedDevice(t, db, &domain.Device{ID: 1, Status: domain.StatusConnecting})

	applied, err := s.ApplyEvent(context.Background(), 1, StatusEvent{
		RawStatus: "connected",
		Timestamp: time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("apply: applied=%v err=%v", applied, err)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusConnected || !dev.IsOnline {
		t.Fatalf("expected connected/online, got %s/%v", dev.Status, dev.IsOnline)
	}
	if dev.ConnectedAt == nil {
		t.Fatal("connected_at not stamped")
	}

	var log domain.DeviceStatusLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("transition not logged: %v", err)
	}
	if log.FromStatus != domain.StatusConnecting || log.ToStatus != domain.StatusConnected {
		t.Fatalf("unexpected log row %+v", log)
	}
	if len(published) != 1 || published[0] != "1:connected" {
		t.Fatalf("unexpected bus traffic %v", published)
	}
}

func TestApplyEventStaleIsNoop(t *testing.T) {
	s, db := newTestService(t, nil)
	seedDevice(t, db, &domain.Device{ID: 1, Status: domain.StatusConnected})

	applied, err := s.ApplyEvent(context.Background(), 1, StatusEvent{
		RawStatus: "disconnected",
		Timestamp: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied {
		t.Fatal("stale event must not be applied")
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusConnected {
		t.Fatalf("stale event mutated state: %s", dev.Status)
	}
}

func TestApplyEventIdempotentReplay(t *testing.T) {
	s, db := newTestService(t, nil)
	seedDevice(t, db, &domain.Device{ID: 1, Status: domain.StatusConnecting})

	ts := time.Now()
	ev := StatusEvent{RawStatus: "connected", Timestamp: ts}
	if _, err := s.ApplyEvent(context.Background(), 1, ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	applied, err := s.ApplyEvent(context.Background(), 1, ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied {
		t.Fatal("replay with the original timestamp must be dropped as stale")
	}

	var logs int64
	db.Model(&domain.DeviceStatusLog{}).Count(&logs)
	if logs != 1 {
		t.Fatalf("expected a single transition log, got %d", logs)
	}
}

func TestApplyEventTerminalGuard(t *testing.T) {
	s, db := newTestService(t, nil)
	seedDevice(t, db, &domain.Device{ID: 1, Status: domain.StatusBanned})

	applied, err := s.ApplyEvent(context.Background(), 1, StatusEvent{
		RawStatus: "connected",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied {
		t.Fatal("banned device must ignore status events")
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusBanned {
		t.Fatalf("terminal status lifted by webhook: %s", dev.Status)
	}
}

func TestApplyEventConnectedClearsRetryAndQR(t *testing.T) {
	s, db := newTestService(t, nil)
	exp := time.Now().Add(time.Minute)
	seedDevice(t, db, &domain.Device{
		ID: 1, Status: domain.StatusPairing, RetryCount: 4,
		QrCode: "2@old", QrExpiresAt: &exp,
	})

	if _, err := s.ApplyEvent(context.Background(), 1, StatusEvent{
		RawStatus: "connected",
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.RetryCount != 0 || dev.QrCode != "" || dev.QrExpiresAt != nil {
		t.Fatalf("connect must clear retry budget and pairing code, got %+v", dev)
	}
}

func TestApplyEventUnknownDevice(t *testing.T) {
	s, _ := newTestService(t, nil)
	_, err := s.ApplyEvent(context.Background(), 404, StatusEvent{RawStatus: "connected"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetReopensTerminalDevice(t *testing.T) {
	s, db := newTestService(t, nil)
	seedDevice(t, db, &domain.Device{
		ID: 1, Status: domain.StatusAuthFailure, RetryCount: 5,
		SessionData: "blob", QrCode: "2@stale",
	})

	if err := s.Reset(context.Background(), 1); err != nil {
		t.Fatalf("reset: %v", err)
	}

	var dev domain.Device
	db.First(&dev, 1)
	if dev.Status != domain.StatusDisconnected || dev.RetryCount != 0 ||
		dev.SessionData != "" || dev.QrCode != "" {
		t.Fatalf("reset incomplete: %+v", dev)
	}

	var log domain.DeviceStatusLog
	db.Order("id desc").First(&log)
	if log.Source != SourceReset || log.ToStatus != domain.StatusDisconnected {
		t.Fatalf("reset transition not logged: %+v", log)
	}
}

func TestUpdateInfo(t *testing.T) {
	s, db := newTestService(t, nil)
	seedDevice(t, db, &domain.Device{ID: 1, Status: domain.StatusConnected})

	if err := s.UpdateInfo(context.Background(), 1, "Support Line", "gw-42", time.Now()); err != nil {
		t.Fatalf("update info: %v", err)
	}
	var dev domain.Device
	db.First(&dev, 1)
	if dev.DisplayName != "Support Line" || dev.GatewayUserID != "gw-42" {
		t.Fatalf("info not applied: %+v", dev)
	}

	if err := s.UpdateInfo(context.Background(), 404, "x", "", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconnectCandidates(t *testing.T) {
	s, db := newTestService(t, nil)
	seedDevice(t, db, &domain.Device{ID: 1, Status: domain.StatusError, RetryCount: 1})
	seedDevice(t, db, &domain.Device{ID: 2, Status: domain.StatusError, RetryCount: 9})
	seedDevice(t, db, &domain.Device{ID: 3, Status: domain.StatusBanned, RetryCount: 0})
	seedDevice(t, db, &domain.Device{ID: 4, Status: domain.StatusConnected, RetryCount: 0})

	got, err := s.Repo().ReconnectCandidates(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected only device 1, got %v", got)
	}
}
