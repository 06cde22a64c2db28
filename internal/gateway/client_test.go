package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/chatgate-io/chatgate/internal/domain"
)

func TestClientConnectAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connect" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"queued"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	res, err := c.Connect(context.Background(), 1001)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !res.Accepted() {
		t.Fatalf("expected accepted, got code=%d success=%v", res.Code, res.Success)
	}
}

func TestClientRejectNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"message":"unknown device"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	res, err := c.Connect(context.Background(), 1001)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.Accepted() {
		t.Fatal("400 must not be accepted")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("HTTP error status must not be retried, got %d calls", n)
	}
}

func TestClientTransientRetriedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := NewClient(srv.URL, 200*time.Millisecond, time.Second)
	_, err := c.Connect(context.Background(), 1001)
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("expected ErrTransientNetwork, got %v", err)
	}
}

func TestClientGetQR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("deviceId") != "7" {
			t.Errorf("missing deviceId query, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"success":true,"data":{"qr":"2@abc"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	qr, err := c.GetQR(context.Background(), 7)
	if err != nil {
		t.Fatalf("getqr: %v", err)
	}
	if qr != "2@abc" {
		t.Fatalf("unexpected qr %q", qr)
	}
}

func TestClientHealthCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Minute)
	for i := 0; i < 5; i++ {
		if !c.Health(context.Background()) {
			t.Fatal("expected healthy")
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("health verdict should be cached, got %d probes", n)
	}
}

func TestClientHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Minute)
	if c.Health(context.Background()) {
		t.Fatal("expected unhealthy")
	}
}
