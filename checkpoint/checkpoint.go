// Package checkpoint persists automation progress snapshots as write-once,
// content-verified files with metadata rows in SQLite.
//
// A checkpoint is two artifacts committed in a fixed order: the payload
// file <id>.chk (compressed statecodec bytes, fsynced before anything
// else happens) and then the metadata row (size, checksum, step counters).
// A crash between the two leaves an orphan file without a row, which is
// harmless; the reverse — a row pointing at a missing or partial file — can
// only arise from external interference and is reported as missing or as an
// integrity failure, never used for recovery.
//
// Files are never mutated in place: a new checkpoint is a new file. That
// removes partial-write races entirely.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/redrive/idgen"
	"github.com/hazyhaar/redrive/statecodec"
)

// Schema for the checkpoint and snapshot metadata tables.
const Schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	automation_type TEXT NOT NULL DEFAULT '',
	current_step    INTEGER NOT NULL DEFAULT 0,
	total_steps     INTEGER NOT NULL DEFAULT 0,
	compression     TEXT NOT NULL,
	size_bytes      INTEGER NOT NULL,
	checksum        TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints (session_id, created_at);

CREATE TABLE IF NOT EXISTS session_snapshots (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	screenshot_ref TEXT NOT NULL DEFAULT '',
	compression    TEXT NOT NULL,
	size_bytes     INTEGER NOT NULL,
	checksum       TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_session ON session_snapshots (session_id, created_at);
`

// Checkpoint is a structured snapshot of automation progress. State,
// Context, Variables and Metrics round-trip losslessly through statecodec.
type Checkpoint struct {
	ID             string
	SessionID      string
	AutomationType string
	CurrentStep    int
	TotalSteps     int
	State          map[string]any
	Context        map[string]any
	Variables      map[string]any
	Metrics        map[string]any
	ErrorLog       []string
	Compression    statecodec.Compression
	SizeBytes      int64
	Checksum       string
	CreatedAt      time.Time
}

// Snapshot is a heavier, less frequent session capture carrying opaque
// binary state. It scores lower recovery confidence than a Checkpoint
// because nothing in it is structured automation state.
type Snapshot struct {
	ID            string
	SessionID     string
	Memory        []byte
	DOM           []byte
	ScreenshotRef string
	Compression   statecodec.Compression
	SizeBytes     int64
	Checksum      string
	CreatedAt     time.Time
}

// MissingError reports a metadata row whose payload file no longer exists.
type MissingError struct {
	ID string
}

func (e *MissingError) Error() string {
	return "checkpoint: payload file missing for " + e.ID
}

// Integrity is the result of a non-destructive validation pass.
type Integrity struct {
	Valid  bool
	Score  float64
	Reason string
}

// Options configures a Store.
type Options struct {
	// Compression applied to new payloads. Default: gzip.
	Compression statecodec.Compression
	// NewCheckpointID / NewSnapshotID generate IDs. Defaults: idgen.Checkpoint, idgen.Snapshot.
	NewCheckpointID idgen.Generator
	NewSnapshotID   idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Compression == "" {
		o.Compression = statecodec.Gzip
	}
	if o.NewCheckpointID == nil {
		o.NewCheckpointID = idgen.Checkpoint
	}
	if o.NewSnapshotID == nil {
		o.NewSnapshotID = idgen.Snapshot
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store persists checkpoints and snapshots. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	dir  string
	opts Options
}

// New creates a Store writing payload files under dir. The metadata tables
// must exist (see Schema).
func New(db *sql.DB, dir string, opts Options) (*Store, error) {
	opts.defaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	return &Store{db: db, dir: dir, opts: opts}, nil
}

func (s *Store) checkpointPath(id string) string { return filepath.Join(s.dir, id+".chk") }
func (s *Store) snapshotPath(id string) string   { return filepath.Join(s.dir, id+".snap") }

// payload bundles the structured sections into one codec value.
func checkpointPayload(cp *Checkpoint) map[string]any {
	errLog := make([]any, len(cp.ErrorLog))
	for i, e := range cp.ErrorLog {
		errLog[i] = e
	}
	return map[string]any{
		"state":     orEmpty(cp.State),
		"context":   orEmpty(cp.Context),
		"variables": orEmpty(cp.Variables),
		"metrics":   orEmpty(cp.Metrics),
		"error_log": errLog,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Save encodes, compresses and writes the payload file, fsyncs it, then
// commits the metadata row. On return cp.ID, SizeBytes, Checksum and
// CreatedAt are populated.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionID == "" {
		return errors.New("checkpoint: save: empty session ID")
	}
	if cp.ID == "" {
		cp.ID = s.opts.NewCheckpointID()
	}
	if cp.Compression == "" {
		cp.Compression = s.opts.Compression
	}

	payload, sum, err := statecodec.Encode(checkpointPayload(cp), cp.Compression)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.ID, err)
	}

	if err := writeOnce(s.checkpointPath(cp.ID), payload); err != nil {
		return err
	}

	cp.SizeBytes = int64(len(payload))
	cp.Checksum = sum
	cp.CreatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, automation_type, current_step, total_steps,
		                         compression, size_bytes, checksum, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.SessionID, cp.AutomationType, cp.CurrentStep, cp.TotalSteps,
		string(cp.Compression), cp.SizeBytes, cp.Checksum, cp.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: insert metadata %s: %w", cp.ID, err)
	}

	s.opts.Logger.Debug("checkpoint: saved",
		"checkpoint_id", cp.ID, "session_id", cp.SessionID,
		"step", cp.CurrentStep, "size_bytes", cp.SizeBytes)
	return nil
}

// writeOnce creates the file exclusively, writes payload, and fsyncs before
// closing. An existing file means an ID collision, which is refused rather
// than overwritten.
func writeOnce(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: sync %s: %w", path, err)
	}
	return f.Close()
}

// Load reads the metadata row, verifies file size and checksum against it,
// then decompresses and decodes. Any mismatch returns a
// *statecodec.IntegrityError; a vanished payload file returns *MissingError.
func (s *Store) Load(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := s.meta(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, err := s.verifiedPayload(s.checkpointPath(id), id, cp.SizeBytes, cp.Checksum)
	if err != nil {
		return nil, err
	}

	v, err := statecodec.Decode(payload, cp.Compression, cp.Checksum)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &statecodec.IntegrityError{Reason: fmt.Sprintf("checkpoint %s: payload is not a map", id)}
	}

	cp.State, _ = m["state"].(map[string]any)
	cp.Context, _ = m["context"].(map[string]any)
	cp.Variables, _ = m["variables"].(map[string]any)
	cp.Metrics, _ = m["metrics"].(map[string]any)
	if raw, ok := m["error_log"].([]any); ok {
		cp.ErrorLog = make([]string, 0, len(raw))
		for _, e := range raw {
			if str, ok := e.(string); ok {
				cp.ErrorLog = append(cp.ErrorLog, str)
			}
		}
	}
	return cp, nil
}

func (s *Store) meta(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	var comp string
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, automation_type, current_step, total_steps,
		       compression, size_bytes, checksum, created_at
		FROM checkpoints WHERE id = ?`, id,
	).Scan(&cp.ID, &cp.SessionID, &cp.AutomationType, &cp.CurrentStep, &cp.TotalSteps,
		&comp, &cp.SizeBytes, &cp.Checksum, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load metadata %s: %w", id, err)
	}
	cp.Compression = statecodec.Compression(comp)
	cp.CreatedAt = time.UnixMilli(createdMs)
	return &cp, nil
}

// verifiedPayload reads the file and checks size then checksum against the
// metadata before handing the bytes to the codec.
func (s *Store) verifiedPayload(path, id string, wantSize int64, wantSum string) ([]byte, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &MissingError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}
	if fi.Size() != wantSize {
		return nil, &statecodec.IntegrityError{
			Reason: fmt.Sprintf("checkpoint %s: size %d, metadata says %d", id, fi.Size(), wantSize),
		}
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	if got := statecodec.Checksum(payload); got != wantSum {
		return nil, &statecodec.IntegrityError{
			Reason: fmt.Sprintf("checkpoint %s: checksum mismatch", id),
		}
	}
	return payload, nil
}

// ValidateIntegrity runs the cheap checks first (file presence, size,
// checksum) and escalates to a full decode only when those pass. It never
// returns an error for a bad checkpoint — the verdict is in the Integrity.
func (s *Store) ValidateIntegrity(ctx context.Context, id string) (Integrity, error) {
	cp, err := s.meta(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Integrity{Score: 0, Reason: "no metadata row"}, nil
		}
		return Integrity{}, err
	}

	path := s.checkpointPath(id)
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Integrity{Score: 0, Reason: "payload file missing"}, nil
	}
	if err != nil {
		return Integrity{}, fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}
	if fi.Size() != cp.SizeBytes {
		return Integrity{Score: 0.1, Reason: fmt.Sprintf("size %d, metadata says %d", fi.Size(), cp.SizeBytes)}, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return Integrity{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	if statecodec.Checksum(payload) != cp.Checksum {
		return Integrity{Score: 0.2, Reason: "checksum mismatch"}, nil
	}

	if _, err := statecodec.Decode(payload, cp.Compression, cp.Checksum); err != nil {
		return Integrity{Score: 0.5, Reason: "payload does not decode: " + err.Error()}, nil
	}

	return Integrity{Valid: true, Score: 1.0, Reason: "ok"}, nil
}

// List returns metadata-only checkpoints for a session, newest first.
// Creation time and current_step order agree by construction (checkpoints
// are written by a single session loop), so "latest" is unambiguous.
func (s *Store) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, automation_type, current_step, total_steps,
		       compression, size_bytes, checksum, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY created_at DESC, current_step DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var comp string
		var createdMs int64
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.AutomationType, &cp.CurrentStep,
			&cp.TotalSteps, &comp, &cp.SizeBytes, &cp.Checksum, &createdMs); err != nil {
			return nil, err
		}
		cp.Compression = statecodec.Compression(comp)
		cp.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// CleanupOlderThan removes checkpoints and snapshots older than retention.
// Per item the file goes first, then the row: an interrupted sweep leaves a
// row whose file is gone, which Load reports as missing without crashing.
func (s *Store) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	removed := 0

	for _, target := range []struct {
		table string
		path  func(string) string
	}{
		{"checkpoints", s.checkpointPath},
		{"session_snapshots", s.snapshotPath},
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM `+target.table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("checkpoint: cleanup select %s: %w", target.table, err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return removed, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return removed, err
		}

		for _, id := range ids {
			if err := os.Remove(target.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.opts.Logger.Warn("checkpoint: cleanup file remove failed", "id", id, "error", err)
				continue
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM `+target.table+` WHERE id = ?`, id); err != nil {
				return removed, fmt.Errorf("checkpoint: cleanup delete %s: %w", id, err)
			}
			removed++
		}
	}

	if removed > 0 {
		s.opts.Logger.Info("checkpoint: retention sweep", "removed", removed, "retention", retention)
	}
	return removed, nil
}
