package vault

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v.iterations = 1000
	t.Cleanup(func() { v.Close() })
	return v
}

func TestOpenWithoutDatabase(t *testing.T) {
	if _, err := Open(context.Background(), ""); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	if _, err := v.Verify(ctx, "anything"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s, err := v.Settings(ctx)
	if err != nil || s.Configured {
		t.Fatalf("settings before configure: %+v %v", s, err)
	}

	if err := v.SetPassword(ctx, "correct horse", "stable"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := v.Verify(ctx, "correct horse"); err != nil || !ok {
		t.Fatalf("verify good: %v %v", ok, err)
	}
	if ok, err := v.Verify(ctx, "wrong"); err != nil || ok {
		t.Fatalf("verify bad: %v %v", ok, err)
	}

	if err := v.SetPassword(ctx, "battery staple", ""); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if ok, _ := v.Verify(ctx, "correct horse"); ok {
		t.Fatalf("old password still valid")
	}
	s, _ = v.Settings(ctx)
	if !s.Configured || s.Iterations != 1000 || s.Hint != "" {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if err := v.SetPassword(ctx, "", ""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	n, err := v.StoreBackupCodes(ctx, []string{"abcd-1234", "EFGH-5678", "abcd1234", ""})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if n != 2 {
		t.Fatalf("stored %d codes, want 2", n)
	}
	ok, left, err := v.ConsumeBackupCode(ctx, " ABCD1234 ")
	if err != nil || !ok || left != 1 {
		t.Fatalf("first use: %v %d %v", ok, left, err)
	}
	ok, left, err = v.ConsumeBackupCode(ctx, "abcd-1234")
	if err != nil || ok || left != 1 {
		t.Fatalf("second use: %v %d %v", ok, left, err)
	}
	if _, _, err := v.ConsumeBackupCode(ctx, ""); err == nil {
		t.Fatalf("expected error for empty code")
	}

	if _, err := v.StoreBackupCodes(ctx, []string{"new-code"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if ok, _, _ := v.ConsumeBackupCode(ctx, "EFGH-5678"); ok {
		t.Fatalf("replaced code still valid")
	}
}

func TestRunOperations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ops.db")

	op, ok := Lookup("get_master_password_settings")
	if !ok {
		t.Fatalf("operation missing")
	}
	out, err := Run(ctx, path, op, nil)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	b, _ := json.Marshal(out)
	if string(b) != `{"settings":{"configured":false,"backup_codes_remaining":0},"success":true}` {
		t.Fatalf("unexpected settings payload: %s", b)
	}

	op, _ = Lookup("verify_master_password")
	if _, err := Run(ctx, path, op, json.RawMessage(`{"password":"x"}`)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(Names()) != 5 {
		t.Fatalf("unexpected operations: %v", Names())
	}
}
