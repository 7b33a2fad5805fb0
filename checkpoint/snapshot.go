package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/redrive/statecodec"
)

// snapshotPayload bundles the opaque blobs into one codec value.
func snapshotPayload(sn *Snapshot) map[string]any {
	return map[string]any{
		"memory":         append([]byte(nil), sn.Memory...),
		"dom":            append([]byte(nil), sn.DOM...),
		"screenshot_ref": sn.ScreenshotRef,
	}
}

// SaveSnapshot writes a session snapshot the same way Save writes a
// checkpoint: payload file first, metadata row second.
func (s *Store) SaveSnapshot(ctx context.Context, sn *Snapshot) error {
	if sn.SessionID == "" {
		return errors.New("checkpoint: save snapshot: empty session ID")
	}
	if sn.ID == "" {
		sn.ID = s.opts.NewSnapshotID()
	}
	if sn.Compression == "" {
		sn.Compression = s.opts.Compression
	}

	payload, sum, err := statecodec.Encode(snapshotPayload(sn), sn.Compression)
	if err != nil {
		return fmt.Errorf("checkpoint: encode snapshot %s: %w", sn.ID, err)
	}

	if err := writeOnce(s.snapshotPath(sn.ID), payload); err != nil {
		return err
	}

	sn.SizeBytes = int64(len(payload))
	sn.Checksum = sum
	sn.CreatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (id, session_id, screenshot_ref, compression, size_bytes, checksum, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		sn.ID, sn.SessionID, sn.ScreenshotRef, string(sn.Compression),
		sn.SizeBytes, sn.Checksum, sn.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: insert snapshot metadata %s: %w", sn.ID, err)
	}

	s.opts.Logger.Debug("checkpoint: snapshot saved",
		"snapshot_id", sn.ID, "session_id", sn.SessionID, "size_bytes", sn.SizeBytes)
	return nil
}

// LoadSnapshot verifies and decodes a snapshot.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	sn, err := s.snapshotMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, err := s.verifiedPayload(s.snapshotPath(id), id, sn.SizeBytes, sn.Checksum)
	if err != nil {
		return nil, err
	}

	v, err := statecodec.Decode(payload, sn.Compression, sn.Checksum)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &statecodec.IntegrityError{Reason: fmt.Sprintf("snapshot %s: payload is not a map", id)}
	}

	sn.Memory, _ = m["memory"].([]byte)
	sn.DOM, _ = m["dom"].([]byte)
	if ref, ok := m["screenshot_ref"].(string); ok {
		sn.ScreenshotRef = ref
	}
	return sn, nil
}

func (s *Store) snapshotMeta(ctx context.Context, id string) (*Snapshot, error) {
	var sn Snapshot
	var comp string
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, screenshot_ref, compression, size_bytes, checksum, created_at
		FROM session_snapshots WHERE id = ?`, id,
	).Scan(&sn.ID, &sn.SessionID, &sn.ScreenshotRef, &comp, &sn.SizeBytes, &sn.Checksum, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: snapshot %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load snapshot metadata %s: %w", id, err)
	}
	sn.Compression = statecodec.Compression(comp)
	sn.CreatedAt = time.UnixMilli(createdMs)
	return &sn, nil
}

// ListSnapshots returns metadata-only snapshots for a session, newest first.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, screenshot_ref, compression, size_bytes, checksum, created_at
		FROM session_snapshots WHERE session_id = ?
		ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list snapshots %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var sn Snapshot
		var comp string
		var createdMs int64
		if err := rows.Scan(&sn.ID, &sn.SessionID, &sn.ScreenshotRef, &comp,
			&sn.SizeBytes, &sn.Checksum, &createdMs); err != nil {
			return nil, err
		}
		sn.Compression = statecodec.Compression(comp)
		sn.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, &sn)
	}
	return out, rows.Err()
}
