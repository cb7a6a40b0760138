package user

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestRegisterIsIdempotentByUsername(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemory())

	first, err := svc.Register(ctx, "demo_user", RoleRegular, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := svc.Register(ctx, "demo_user", RoleAdmin, nil)
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	if second.Role != RoleRegular {
		t.Fatalf("existing role must be kept, got %s", second.Role)
	}

	got, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Username != "demo_user" || got.IsAdmin() {
		t.Fatalf("unexpected user %+v", got)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemory())

	if _, err := svc.Register(ctx, "  ", RoleRegular, nil); err == nil {
		t.Fatalf("expected error for empty username")
	}
	if _, err := svc.Register(ctx, "root", Role("owner"), nil); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := svc.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
