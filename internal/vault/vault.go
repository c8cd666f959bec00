// Package vault stores the master password verifier and recovery backup
// codes in the active lifecycle database.
package vault

import (
	"context"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

var (
	// ErrNoDatabase is returned when no database is active.
	ErrNoDatabase = errors.New("no database selected; use database/switch first")
	// ErrNotConfigured is returned when no master password has been stored.
	ErrNotConfigured = errors.New("master password is not configured")
)

const (
	DefaultIterations = 210000
	keyLength         = 32
	saltLength        = 16
)

// Settings is the public view of the master password configuration.
// The verifier itself is never returned.
type Settings struct {
	Configured bool   `json:"configured"`
	Hint       string `json:"hint,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	BackupLeft int    `json:"backup_codes_remaining"`
}

// Vault is an open vault handle.
type Vault struct {
	db         *sql.DB
	now        func() time.Time
	iterations int
}

// Open opens path and ensures the vault tables exist.
func Open(ctx context.Context, path string) (*Vault, error) {
	if path == "" {
		return nil, ErrNoDatabase
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: pragma: %w", err)
	}
	schema := `
		CREATE TABLE IF NOT EXISTS master_password (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			salt       TEXT    NOT NULL,
			verifier   TEXT    NOT NULL,
			iterations INTEGER NOT NULL,
			hint       TEXT    NOT NULL DEFAULT '',
			created_at TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS backup_codes (
			code_hash TEXT PRIMARY KEY,
			used_at   TEXT
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: migration: %w", err)
	}
	return &Vault{db: db, now: time.Now, iterations: DefaultIterations}, nil
}

// Close closes the underlying handle.
func (v *Vault) Close() error { return v.db.Close() }

// SetPassword replaces the master password verifier.
func (v *Vault) SetPassword(ctx context.Context, password, hint string) error {
	if password == "" {
		return errors.New("password is required")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := pbkdf2.Key(sha256.New, password, salt, v.iterations, keyLength)
	if err != nil {
		return fmt.Errorf("vault: derive key: %w", err)
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO master_password (id, salt, verifier, iterations, hint, created_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET salt = excluded.salt, verifier = excluded.verifier,
			iterations = excluded.iterations, hint = excluded.hint, created_at = excluded.created_at`,
		hex.EncodeToString(salt), hex.EncodeToString(key), v.iterations, hint,
		v.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("vault: store password: %w", err)
	}
	return nil
}

// Verify reports whether password matches the stored verifier.
func (v *Vault) Verify(ctx context.Context, password string) (bool, error) {
	var saltHex, verifierHex string
	var iterations int
	err := v.db.QueryRowContext(ctx, `SELECT salt, verifier, iterations FROM master_password WHERE id = 1`).
		Scan(&saltHex, &verifierHex, &iterations)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotConfigured
	}
	if err != nil {
		return false, err
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, fmt.Errorf("vault: corrupt salt: %w", err)
	}
	want, err := hex.DecodeString(verifierHex)
	if err != nil {
		return false, fmt.Errorf("vault: corrupt verifier: %w", err)
	}
	got, err := pbkdf2.Key(sha256.New, password, salt, iterations, len(want))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Settings returns the public configuration.
func (v *Vault) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := v.db.QueryRowContext(ctx, `SELECT hint, iterations, created_at FROM master_password WHERE id = 1`).
		Scan(&s.Hint, &s.Iterations, &s.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Settings{}, err
	default:
		s.Configured = true
	}
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backup_codes WHERE used_at IS NULL`).Scan(&s.BackupLeft); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// StoreBackupCodes replaces every backup code. Codes are stored hashed.
func (v *Vault) StoreBackupCodes(ctx context.Context, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, errors.New("codes are required")
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes`); err != nil {
		return 0, err
	}
	n := 0
	for _, c := range codes {
		c = normaliseCode(c)
		if c == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO backup_codes (code_hash) VALUES (?)`, hashCode(c))
		if err != nil {
			return 0, fmt.Errorf("vault: store backup code: %w", err)
		}
		if k, _ := res.RowsAffected(); k > 0 {
			n++
		}
	}
	return n, tx.Commit()
}

// ConsumeBackupCode validates code and marks it used. A code is accepted once.
func (v *Vault) ConsumeBackupCode(ctx context.Context, code string) (bool, int, error) {
	code = normaliseCode(code)
	if code == "" {
		return false, 0, errors.New("code is required")
	}
	res, err := v.db.ExecContext(ctx,
		`UPDATE backup_codes SET used_at = ? WHERE code_hash = ? AND used_at IS NULL`,
		v.now().UTC().Format(time.RFC3339), hashCode(code))
	if err != nil {
		return false, 0, fmt.Errorf("vault: consume backup code: %w", err)
	}
	n, _ := res.RowsAffected()
	var left int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backup_codes WHERE used_at IS NULL`).Scan(&left); err != nil {
		return false, 0, err
	}
	return n == 1, left, nil
}

func normaliseCode(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	return strings.ReplaceAll(c, "-", "")
}

func hashCode(c string) string {
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:])
}

// Operation executes one master-password tool against an open vault.
type Operation func(ctx context.Context, v *Vault, args json.RawMessage) (any, error)

type vaultArgs struct {
	Password string   `json:"password"`
	Hint     string   `json:"hint"`
	Codes    []string `json:"codes"`
	Code     string   `json:"code"`
}

func decode(args json.RawMessage) (vaultArgs, error) {
	var a vaultArgs
	if len(args) == 0 || string(args) == "null" {
		return a, nil
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("invalid arguments: %w", err)
	}
	return a, nil
}

var operations = map[string]Operation{
	"store_master_password_settings": func(ctx context.Context, v *Vault, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := v.SetPassword(ctx, a.Password, a.Hint); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	},
	"verify_master_password": func(ctx context.Context, v *Vault, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		ok, err := v.Verify(ctx, a.Password)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "valid": ok}, nil
	},
	"get_master_password_settings": func(ctx context.Context, v *Vault, _ json.RawMessage) (any, error) {
		s, err := v.Settings(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "settings": s}, nil
	},
	"store_backup_codes": func(ctx context.Context, v *Vault, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		n, err := v.StoreBackupCodes(ctx, a.Codes)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "stored": n}, nil
	},
	"validate_backup_code": func(ctx context.Context, v *Vault, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		ok, left, err := v.ConsumeBackupCode(ctx, a.Code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "valid": ok, "remaining": left}, nil
	},
}

// Lookup returns the operation registered under name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// Names lists the registered operation names in sorted order.
func Names() []string {
	names := make([]string, 0, len(operations))
	for n := range operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run opens the vault at path, executes op and closes the vault.
func Run(ctx context.Context, path string, op Operation, args json.RawMessage) (any, error) {
	v, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return op(ctx, v, args)
}
