package alerting

import (
	"strings"
	"sync"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/chatgate-io/chatgate/config"
	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/dispatch"
	"github.com/chatgate-io/chatgate/internal/domain"
)

type mailRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *mailRecorder) record(subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *mailRecorder) wait(t *testing.T, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.subjects)
		out := append([]string(nil), r.subjects...)
		r.mu.Unlock()
		if n >= want {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d alerts, timed out", want)
	return nil
}

func newTestService(t *testing.T) (*Service, evbus.Bus, *mailRecorder) {
	t.Helper()
	bus := evbus.New()
	svc, err := NewService(config.AlertConfig{Enabled: true, To: "ops@example.com"}, bus)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	rec := &mailRecorder{}
	svc.send = rec.record
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc, bus, rec
}

func TestTerminalStatusAlerts(t *testing.T) {
	_, bus, rec := newTestService(t)

	bus.Publish(devices.TopicStatusChanged, int64(7), domain.StatusBanned)
	bus.WaitAsync()

	subjects := rec.wait(t, 1)
	if !strings.Contains(subjects[0], "banned") {
		t.Fatalf("unexpected subject %q", subjects[0])
	}
}

func TestRoutineStatusIsSilent(t *testing.T) {
	_, bus, rec := newTestService(t)

	bus.Publish(devices.TopicStatusChanged, int64(7), domain.StatusConnected)
	bus.Publish(devices.TopicStatusChanged, int64(7), domain.StatusDisconnected)
	bus.WaitAsync()
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.subjects) != 0 {
		t.Fatalf("routine transitions must not alert, got %v", rec.subjects)
	}
}

func TestRetryExhaustedAlerts(t *testing.T) {
	_, bus, rec := newTestService(t)

	bus.Publish(dispatch.TopicRetryExhausted, int64(9), 5)
	bus.WaitAsync()

	subjects := rec.wait(t, 1)
	if !strings.Contains(subjects[0], "reconnect budget") {
		t.Fatalf("unexpected subject %q", subjects[0])
	}
}

func TestDisabledAlertingDrops(t *testing.T) {
	bus := evbus.New()
	svc, err := NewService(config.AlertConfig{Enabled: false}, bus)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	rec := &mailRecorder{}
	svc.send = rec.record
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)

	bus.Publish(devices.TopicStatusChanged, int64(1), domain.StatusAuthFailure)
	bus.WaitAsync()
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.subjects) != 0 {
		t.Fatalf("disabled alerting must not send, got %v", rec.subjects)
	}
}
