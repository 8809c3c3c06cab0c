// Package backup archives and restores the sync state store.
//
// An archive is the line "SYNCDBK1", a one-line JSON manifest, and the
// payload: a VACUUM INTO snapshot of the database, snappy-compressed and,
// when a passphrase is given, sealed with AES-256-GCM under a PBKDF2 key.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/store"
)

// Magic is the first line of every archive.
const Magic = "SYNCDBK1"

// FormatVersion is the archive layout version written to manifests.
const FormatVersion = 1

// Manifest describes an archive.
type Manifest struct {
	Format        int       `json:"format"`
	EngineVersion string    `json:"engine_version"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	Compressed    bool      `json:"compressed"`
	Encrypted     bool      `json:"encrypted"`
	Salt          []byte    `json:"salt,omitempty"`
	Size          int       `json:"size"`
	SHA256        string    `json:"sha256"`
}

// Options configures Create and Restore.
type Options struct {
	// Passphrase enables encryption on Create and is required to restore
	// an encrypted archive.
	Passphrase string

	// Name overrides the generated archive name on Create.
	Name string

	// Overwrite lets Restore replace an existing database file.
	Overwrite bool

	// Now supplies the creation time. Defaults to time.Now in UTC.
	Now func() time.Time

	Logger *slog.Logger
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// ArchiveName returns the default archive name for a creation time.
func ArchiveName(t time.Time) string {
	return "syncd-" + t.UTC().Format("20060102T150405Z") + Extension
}

// Create snapshots st into sink and returns the archive name.
func Create(ctx context.Context, st *store.Store, sink Sink, opts Options) (string, Manifest, error) {
	tmpDir, err := os.MkdirTemp("", "syncd-backup-*")
	if err != nil {
		return "", Manifest{}, fmt.Errorf("backup: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snap := filepath.Join(tmpDir, "snapshot.db")
	if err := st.Snapshot(ctx, snap); err != nil {
		return "", Manifest{}, fmt.Errorf("backup: %w", err)
	}
	raw, err := os.ReadFile(snap)
	if err != nil {
		return "", Manifest{}, fmt.Errorf("backup: read snapshot: %w", err)
	}

	sum := sha256.Sum256(raw)
	m := Manifest{
		Format:        FormatVersion,
		EngineVersion: ir.EngineVersion,
		SchemaVersion: ir.SchemaVersion,
		CreatedAt:     opts.now(),
		Compressed:    true,
		Size:          len(raw),
		SHA256:        hex.EncodeToString(sum[:]),
	}
	payload := snappy.Encode(nil, raw)
	if opts.Passphrase != "" {
		if m.Salt, err = newSalt(); err != nil {
			return "", Manifest{}, fmt.Errorf("backup: %w", err)
		}
		if payload, err = seal(opts.Passphrase, m.Salt, payload); err != nil {
			return "", Manifest{}, fmt.Errorf("backup: encrypt: %w", err)
		}
		m.Encrypted = true
	}

	archive, err := encode(m, payload)
	if err != nil {
		return "", Manifest{}, err
	}
	name := opts.Name
	if name == "" {
		name = ArchiveName(m.CreatedAt)
	}
	if err := sink.Put(ctx, name, archive); err != nil {
		return "", Manifest{}, err
	}
	opts.logger().Info("backup created", "name", name, "size", len(raw), "archive_size", len(archive), "encrypted", m.Encrypted)
	return name, m, nil
}

// Restore writes archive name from sink to dbPath. The archive must come
// from a compatible engine version.
func Restore(ctx context.Context, sink Sink, name, dbPath string, opts Options) (Manifest, error) {
	archive, err := sink.Get(ctx, name)
	if err != nil {
		return Manifest{}, err
	}
	m, payload, err := decode(archive)
	if err != nil {
		return Manifest{}, err
	}
	if err := CheckCompatible(m.EngineVersion); err != nil {
		return m, err
	}

	if m.Encrypted {
		if opts.Passphrase == "" {
			return m, errors.New("backup: archive is encrypted; a passphrase is required")
		}
		if payload, err = open(opts.Passphrase, m.Salt, payload); err != nil {
			return m, err
		}
	}
	raw := payload
	if m.Compressed {
		if raw, err = snappy.Decode(nil, payload); err != nil {
			return m, fmt.Errorf("backup: decompress: %w", err)
		}
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != m.SHA256 || len(raw) != m.Size {
		return m, errors.New("backup: checksum mismatch")
	}

	if err := writeDatabase(dbPath, raw, opts.Overwrite); err != nil {
		return m, err
	}
	opts.logger().Info("backup restored", "name", name, "path", dbPath, "created_at", m.CreatedAt)
	return m, nil
}

// List returns the archive names in sink.
func List(ctx context.Context, sink Sink) ([]string, error) {
	return sink.List(ctx)
}

// Inspect reads the manifest of an archive without restoring it.
func Inspect(ctx context.Context, sink Sink, name string) (Manifest, error) {
	archive, err := sink.Get(ctx, name)
	if err != nil {
		return Manifest{}, err
	}
	m, _, err := decode(archive)
	return m, err
}

func encode(m Manifest, payload []byte) ([]byte, error) {
	line, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("backup: manifest: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(Magic) + len(line) + len(payload) + 2)
	buf.WriteString(Magic)
	buf.WriteByte('\n')
	buf.Write(line)
	buf.WriteByte('\n')
	buf.Write(payload)
	return buf.Bytes(), nil
}

func decode(archive []byte) (Manifest, []byte, error) {
	r := bufio.NewReader(bytes.NewReader(archive))
	magic, err := r.ReadString('\n')
	if err != nil || magic != Magic+"\n" {
		return Manifest{}, nil, errors.New("backup: not a syncd archive")
	}
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Manifest{}, nil, errors.New("backup: truncated manifest")
	}
	var m Manifest
	if err := json.Unmarshal(line, &m); err != nil {
		return Manifest{}, nil, fmt.Errorf("backup: manifest: %w", err)
	}
	if m.Format != FormatVersion {
		return m, nil, fmt.Errorf("backup: unsupported archive format %d", m.Format)
	}
	offset := len(magic) + len(line)
	return m, archive[offset:], nil
}

// writeDatabase places raw at path through a temp file in the same
// directory. Stale WAL and shared-memory files of a replaced database are
// removed so SQLite does not replay them over the restored file.
func writeDatabase(path string, raw []byte, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("backup: %s exists", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: write database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: write database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("backup: %w", err)
		}
	}
	return os.Rename(tmp.Name(), path)
}
