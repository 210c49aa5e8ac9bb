// Package buffer implements the client-side upload buffer: a durable, local staging
// area for files queued for upload. Added files are copied into a staging directory
// owned by the buffer and tracked in a SQLite database, so that uploads survive
// process restarts and do not depend on the original file remaining unchanged.
package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mieweb/indexedcp/crypto"
	_ "modernc.org/sqlite" // SQLite driver
)

// State describes the lifecycle of a buffered file
type State string

// Buffered file states; a file moves Pending -> Staged -> Uploading -> Completed,
// or to Failed when its retry budget is exhausted.
const (
	StatePending   = State("pending")
	StateStaged    = State("staged")
	StateUploading = State("uploading")
	StateCompleted = State("completed")
	StateFailed    = State("failed")
)

const (
	dbFilename      = "buffer.db"
	stagingDirname  = "staging"
	stagingTmpExt   = ".tmp"
	copyBufSize     = 256 * 1024
	stageSyncEvery  = int64(4 * 1024 * 1024)
	schemaStatement = `
		CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			bytes_staged INTEGER NOT NULL DEFAULT 0,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			remote_name TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			added_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_state ON files(state);
	`
)

var (
	// ErrNotFound is returned by AddFile if the given path does not exist
	ErrNotFound = errors.New("file not found")

	// ErrNotARegularFile is returned by AddFile for directories, pipes and such
	ErrNotARegularFile = errors.New("not a regular file")

	// ErrNoSuchEntry is returned when a buffer entry ID cannot be found
	ErrNoSuchEntry = errors.New("no such buffer entry")
)

// File is a single entry in the upload buffer
type File struct {
	ID          string
	Path        string
	Name        string
	Size        int64
	Fingerprint string
	BytesStaged int64
	BytesSent   int64
	State       State
	RemoteName  string
	Error       string
	AddedAt     time.Time
	UpdatedAt   time.Time
}

// Store is the durable upload buffer. All mutations are written to the SQLite
// database before the call returns, so a killed process resumes from the last
// acknowledged state rather than from zero.
type Store struct {
	db         *sql.DB
	stagingDir string
}

// Open opens (or creates) the buffer in the given directory. Leftover entries whose
// staging was interrupted mid-copy are pruned; their files have to be added again.
func Open(dir string) (*Store, error) {
	stagingDir := filepath.Join(dir, stagingDirname)
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, dbFilename))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaStatement); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, stagingDir: stagingDir}
	if err := s.pruneInterrupted(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// AddFile validates that path exists and is readable, copies its content into the
// staging directory while computing the content fingerprint, and records the new
// entry. Adding an unchanged file twice is idempotent: the existing entry is
// returned and no second upload attempt is created. A file whose content changed
// since it was last added creates a fresh entry and supersedes the stale one.
func (s *Store) AddFile(ctx context.Context, path string) (*File, error) {
	stat, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}
	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotARegularFile, path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	entry := &File{
		ID:      uuid.NewString(),
		Path:    absPath,
		Name:    filepath.Base(absPath),
		Size:    stat.Size(),
		State:   StatePending,
		AddedAt: time.Now(),
	}
	if err := s.insert(ctx, entry); err != nil {
		return nil, err
	}

	fingerprint, err := s.stage(ctx, entry)
	if err != nil {
		s.delete(ctx, entry.ID)
		return nil, fmt.Errorf("cannot stage %s: %w", path, err)
	}

	// Dedupe on (path, fingerprint): if this exact content was added before and has not
	// failed, keep the earlier entry and discard the one we just staged.
	existing, err := s.findDuplicate(ctx, entry.ID, absPath, fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.delete(ctx, entry.ID)
		os.Remove(s.stagedFilename(entry.ID))
		return existing, nil
	}

	// A changed file under the same path supersedes older, not-yet-uploaded entries
	if err := s.superseded(ctx, entry.ID, absPath); err != nil {
		return nil, err
	}

	entry.Fingerprint = fingerprint
	entry.BytesStaged = entry.Size
	entry.State = StateStaged
	_, err = s.db.ExecContext(ctx,
		`UPDATE files SET fingerprint = ?, bytes_staged = ?, state = ?, updated_at = ? WHERE id = ?`,
		fingerprint, entry.Size, StateStaged, time.Now().Unix(), entry.ID)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListPending returns the buffered files that still need uploading (staged or
// mid-upload), in insertion order. It reflects persisted state and is safe to call
// repeatedly, including after a crash and restart.
func (s *Store) ListPending(ctx context.Context) ([]*File, error) {
	return s.query(ctx, `SELECT `+fileColumns+` FROM files WHERE state IN (?, ?) ORDER BY added_at, id`,
		StateStaged, StateUploading)
}

// List returns all buffer entries, including completed and failed ones, in insertion order
func (s *Store) List(ctx context.Context) ([]*File, error) {
	return s.query(ctx, `SELECT `+fileColumns+` FROM files ORDER BY added_at, id`)
}

// Get returns the buffer entry with the given ID
func (s *Store) Get(ctx context.Context, id string) (*File, error) {
	files, err := s.query(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoSuchEntry
	}
	return files[0], nil
}

// MarkUploading transitions an entry to the uploading state. The entry must be fully
// staged; the caller never sends bytes the buffer has not durably recorded.
func (s *Store) MarkUploading(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE files SET state = ?, updated_at = ? WHERE id = ? AND bytes_staged = size`,
		StateUploading, time.Now().Unix(), id)
}

// MarkProgress records the number of bytes the server has acknowledged for this entry.
// It is idempotent with respect to the same offset, so replaying it after a restart is safe.
func (s *Store) MarkProgress(ctx context.Context, id string, bytesSent int64) error {
	return s.update(ctx, `UPDATE files SET bytes_sent = ?, updated_at = ? WHERE id = ?`,
		bytesSent, time.Now().Unix(), id)
}

// MarkCompleted records the server-side destination name and removes the staged copy.
// The row itself is retained as a record of the transfer.
func (s *Store) MarkCompleted(ctx context.Context, id string, remoteName string) error {
	err := s.update(ctx, `UPDATE files SET state = ?, remote_name = ?, bytes_sent = size, error = '', updated_at = ? WHERE id = ?`,
		StateCompleted, remoteName, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	os.Remove(s.stagedFilename(id))
	return nil
}

// MarkFailed records a terminal failure for this entry. Failed entries are excluded
// from ListPending; re-adding the file creates a fresh attempt.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.update(ctx, `UPDATE files SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		StateFailed, reason, time.Now().Unix(), id)
}

// Reset rewinds an entry to the staged state with zero bytes sent. This is used when
// the server rejects the assembled content (checksum mismatch) and the transfer has
// to restart from scratch.
func (s *Store) Reset(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE files SET state = ?, bytes_sent = 0, error = '', updated_at = ? WHERE id = ?`,
		StateStaged, time.Now().Unix(), id)
}

// OpenStaged opens the staged copy of the given entry for reading
func (s *Store) OpenStaged(id string) (*os.File, error) {
	return os.Open(s.stagedFilename(id))
}

// stage copies the source file into the staging area while hashing it. Staging progress
// is persisted in coarse steps so that an interrupted copy is detectable on restart.
func (s *Store) stage(ctx context.Context, entry *File) (string, error) {
	src, err := os.Open(entry.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmpFilename := s.stagedFilename(entry.ID) + stagingTmpExt
	dst, err := os.OpenFile(tmpFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpFilename)
	defer dst.Close()

	hashed := crypto.NewFingerprintWriter(dst)
	buf := make([]byte, copyBufSize)
	var staged, lastRecorded int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := hashed.Write(buf[:n]); werr != nil {
				return "", werr
			}
			staged += int64(n)
			if staged-lastRecorded >= stageSyncEvery {
				if err := s.MarkProgressStaged(ctx, entry.ID, staged); err != nil {
					return "", err
				}
				lastRecorded = staged
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	if err := dst.Sync(); err != nil {
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpFilename, s.stagedFilename(entry.ID)); err != nil {
		return "", err
	}
	return hashed.Sum(), nil
}

// MarkProgressStaged records staging (not upload) progress for an entry
func (s *Store) MarkProgressStaged(ctx context.Context, id string, bytesStaged int64) error {
	return s.update(ctx, `UPDATE files SET bytes_staged = ?, updated_at = ? WHERE id = ?`,
		bytesStaged, time.Now().Unix(), id)
}

func (s *Store) findDuplicate(ctx context.Context, excludeID, path, fingerprint string) (*File, error) {
	files, err := s.query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id != ? AND path = ? AND fingerprint = ? AND state != ? ORDER BY added_at LIMIT 1`,
		excludeID, path, fingerprint, StateFailed)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files[0], nil
}

func (s *Store) superseded(ctx context.Context, excludeID, path string) error {
	stale, err := s.query(ctx, `SELECT `+fileColumns+` FROM files WHERE id != ? AND path = ? AND state IN (?, ?)`,
		excludeID, path, StateStaged, StateUploading)
	if err != nil {
		return err
	}
	for _, f := range stale {
		if err := s.MarkFailed(ctx, f.ID, "superseded by newer version of the same file"); err != nil {
			return err
		}
		os.Remove(s.stagedFilename(f.ID))
	}
	return nil
}

func (s *Store) pruneInterrupted(ctx context.Context) error {
	files, err := s.query(ctx, `SELECT `+fileColumns+` FROM files WHERE state = ?`, StatePending)
	if err != nil {
		return err
	}
	for _, f := range files {
		s.delete(ctx, f.ID)
		os.Remove(s.stagedFilename(f.ID) + stagingTmpExt)
	}
	return nil
}

func (s *Store) stagedFilename(id string) string {
	return filepath.Join(s.stagingDir, id)
}

const fileColumns = `id, path, name, size, fingerprint, bytes_staged, bytes_sent, state, remote_name, error, added_at, updated_at`

func (s *Store) insert(ctx context.Context, f *File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Path, f.Name, f.Size, f.Fingerprint, f.BytesStaged, f.BytesSent, f.State,
		f.RemoteName, f.Error, f.AddedAt.Unix(), f.AddedAt.Unix())
	return err
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoSuchEntry
	}
	return nil
}

func (s *Store) delete(ctx context.Context, id string) {
	s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]*File, 0)
	for rows.Next() {
		var f File
		var addedAt, updatedAt int64
		err := rows.Scan(&f.ID, &f.Path, &f.Name, &f.Size, &f.Fingerprint, &f.BytesStaged,
			&f.BytesSent, &f.State, &f.RemoteName, &f.Error, &addedAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		f.AddedAt = time.Unix(addedAt, 0)
		f.UpdatedAt = time.Unix(updatedAt, 0)
		files = append(files, &f)
	}
	return files, rows.Err()
}
