package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestSetUsernameStoresAndCaches(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if err := service.SetUsername(ctx, "user-1", "  beat_maker "); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	name, err := service.Username(ctx, "user-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if name != "beat_maker" {
		t.Fatalf("expected trimmed username, got %q", name)
	}

	// repeating the registration must not create a second row.
	if err := service.SetUsername(ctx, "user-1", "beat_maker"); err != nil {
		t.Fatalf("second set failed: %v", err)
	}
	var count int64
	if err := db.Model(&Profile{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one profile, got %d", count)
	}
}

func TestSetUsernameRejectsTakenHandle(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if err := service.SetUsername(ctx, "user-1", "alice"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := service.SetUsername(ctx, "user-2", "ALICE"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected taken error, got %v", err)
	}
	if err := service.SetUsername(ctx, "user-1", "alice2"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if err := service.SetUsername(ctx, "user-2", "alice"); err != nil {
		t.Fatalf("expected released handle to be available: %v", err)
	}
}

func TestSetUsernameValidates(t *testing.T) {
	service, _ := newTestService(t)

	var validation *threads.ValidationError
	if err := service.SetUsername(context.Background(), "user-1", "a b"); !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := service.SetUsername(context.Background(), " ", "alice"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user error, got %v", err)
	}
}

func TestUsernameMissingIsEmpty(t *testing.T) {
	service, _ := newTestService(t)
	name, err := service.Username(context.Background(), "nobody")
	if err != nil || name != "" {
		t.Fatalf("expected empty username, got %q (err %v)", name, err)
	}
}
