package tokens

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatgate-io/chatgate/internal/domain"
)

func newTestGuard(t *testing.T) (*Guard, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:tokens_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&domain.Device{ID: 1, Name: "dev-1", Status: domain.StatusConnected}).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return NewGuard(db), db
}

func TestIssueAndValidate(t *testing.T) {
	g, _ := newTestGuard(t)

	tok, err := g.Issue(context.Background(), 1, "ci-bot")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Token == "" || !tok.Active {
		t.Fatalf("unexpected token %+v", tok)
	}

	got, err := g.Validate(context.Background(), tok.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.UsageCount != 1 || got.LastUsed == nil {
		t.Fatalf("usage accounting not applied: count=%d last_used=%v", got.UsageCount, got.LastUsed)
	}

	got, err = g.Validate(context.Background(), tok.Token)
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if got.UsageCount != 2 {
		t.Fatalf("expected usage_count 2, got %d", got.UsageCount)
	}
}

func TestIssueUnknownDevice(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Issue(context.Background(), 404, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Validate(context.Background(), "nope"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := g.Validate(context.Background(), ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestRevokedTokenRecordsNoUse(t *testing.T) {
	g, db := newTestGuard(t)

	tok, err := g.Issue(context.Background(), 1, "ci-bot")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := g.Revoke(context.Background(), tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := g.Validate(context.Background(), tok.Token); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}

	var row domain.ApiToken
	db.First(&row, tok.ID)
	if row.UsageCount != 0 {
		t.Fatalf("revoked token must not accrue usage, got %d", row.UsageCount)
	}
}

func TestAuthorizeBinding(t *testing.T) {
	g, _ := newTestGuard(t)

	tok, err := g.Issue(context.Background(), 1, "ci-bot")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := g.Authorize(tok, 1); err != nil {
		t.Fatalf("authorize own device: %v", err)
	}
	if err := g.Authorize(tok, 2); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign device, got %v", err)
	}
}
