package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/CARMIN-org/CARMIN-server/pkg/identity"
)

func TestDefaultModule(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, "", "", nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	jane := identity.User{Username: "jane", Role: identity.RoleUser}
	bob := identity.User{Username: "bob", Role: identity.RoleUser}
	root := identity.User{Username: "root", Role: identity.RoleAdmin}

	tests := []struct {
		name   string
		user   identity.User
		action Action
		want   bool
	}{
		{"owner reads", jane, ActionRead, true},
		{"owner plays", jane, ActionPlay, true},
		{"owner updates", jane, ActionUpdate, true},
		{"owner kills", jane, ActionKill, true},
		{"owner deletes", jane, ActionDelete, true},
		{"stranger reads", bob, ActionRead, false},
		{"stranger kills", bob, ActionKill, false},
		{"admin reads", root, ActionRead, true},
		{"admin kills", root, ActionKill, true},
		{"admin deletes", root, ActionDelete, true},
		{"admin plays", root, ActionPlay, false},
		{"admin updates", root, ActionUpdate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Allowed(ctx, Input{User: tt.user, Action: tt.action, Owner: "jane"})
			if err != nil {
				t.Fatalf("Allowed() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadCustomModule(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.rego")
	module := `package carmin.executions

allow if input.action == "read"
`
	if err := os.WriteFile(path, []byte(module), 0644); err != nil {
		t.Fatal(err)
	}

	e, err := Load(ctx, path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if e.Name() != path {
		t.Errorf("Name() = %s, want %s", e.Name(), path)
	}

	stranger := identity.User{Username: "bob", Role: identity.RoleUser}
	if ok, _ := e.Allowed(ctx, Input{User: stranger, Action: ActionRead, Owner: "jane"}); !ok {
		t.Error("custom module should allow reads")
	}
	// allow is undefined for kills, which denies.
	if ok, _ := e.Allowed(ctx, Input{User: stranger, Action: ActionKill, Owner: "jane"}); ok {
		t.Error("undefined decision should deny")
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := Load(ctx, filepath.Join(t.TempDir(), "missing.rego"), nil); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := NewEngine(ctx, "broken.rego", "package carmin.executions\n\nallow if {", nil); err == nil {
		t.Error("expected compile error")
	}
}
