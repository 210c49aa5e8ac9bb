// Package session implements the server-side upload session registry. It is the
// authoritative mapping from content fingerprints and session IDs to in-progress
// uploads, and it owns the on-disk state: partial data and session metadata live in a
// work directory inside the output directory, so sessions survive a server restart
// and clients can resume across server downtime. Finalized files are committed into
// the output directory with an atomic rename.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mieweb/indexedcp/crypto"
	"github.com/mieweb/indexedcp/util"
	"golang.org/x/sys/unix"
)

// State describes the lifecycle of an upload session
type State string

// Session states; a session moves Open/Resumed -> Finalizing -> Complete, or to
// Aborted on checksum mismatch or idle timeout.
const (
	StateOpen       = State("open")
	StateResumed    = State("resumed")
	StateFinalizing = State("finalizing")
	StateComplete   = State("complete")
	StateAborted    = State("aborted")
)

const (
	workDirname    = ".icp"
	partFileSuffix = ".part"
	metaFileSuffix = ".json"
)

var (
	// ErrNotFound is returned when a session ID is unknown
	ErrNotFound = errors.New("session not found")

	// ErrOffsetMismatch is returned when a chunk's offset does not equal the number of
	// bytes the session has already received. The write is rejected and no state changes.
	ErrOffsetMismatch = errors.New("chunk offset does not match received bytes")

	// ErrChecksumMismatch is returned when the assembled content does not match the
	// fingerprint declared at session open. The session is aborted and its partial data
	// discarded; the client must restart the file from scratch.
	ErrChecksumMismatch = errors.New("content does not match declared fingerprint")

	// ErrNotComplete is returned when finalize is requested before all bytes arrived
	ErrNotComplete = errors.New("session has not received all declared bytes")

	// ErrSizeLimitExceeded is returned at session open when the declared size exceeds
	// the server's per-file limit
	ErrSizeLimitExceeded = errors.New("declared size exceeds file size limit")

	errOutputDirNotWritable = errors.New("output dir not writable by user")
)

// Session describes a single resumable upload. Mutable fields are guarded by the
// per-session mutex: one writer at a time per session.
type Session struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	Size          int64     `json:"size"`
	DestName      string    `json:"destName"`
	BytesReceived int64     `json:"bytesReceived"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`

	mu sync.Mutex
}

// Status is an immutable snapshot of a session, safe to hand out across goroutines
type Status struct {
	ID            string
	BytesReceived int64
	DestName      string
	Complete      bool
}

// Stats holds statistics about the registry, for the manager's periodic log line
type Stats struct {
	Active       int
	PartialBytes int64
}

// Registry is the keyed session store. The registry mutex guards the session maps and
// the destination name claims; chunk writes are serialized per session by the
// session's own mutex, so uploads of distinct files proceed in parallel.
//
// Lock order: a goroutine holding a session mutex may take the registry mutex, never
// the other way around.
type Registry struct {
	outputDir     string
	workDir       string
	fileSizeLimit int64
	sessions      map[string]*Session
	byFingerprint map[string]*Session
	claimed       map[string]string // destination name -> session ID
	mu            sync.Mutex
}

// New creates a session registry backed by the given output directory, restoring any
// sessions that were persisted by a previous server process.
func New(outputDir string, fileSizeLimit int64) (*Registry, error) {
	workDir := filepath.Join(outputDir, workDirname)
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return nil, errOutputDirNotWritable
	}
	if unix.Access(outputDir, unix.W_OK) != nil {
		return nil, errOutputDirNotWritable
	}
	r := &Registry{
		outputDir:     outputDir,
		workDir:       workDir,
		fileSizeLimit: fileSizeLimit,
		sessions:      make(map[string]*Session),
		byFingerprint: make(map[string]*Session),
		claimed:       make(map[string]string),
	}
	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenOrResume looks up a live session for the given fingerprint and returns its
// current offset so the client can resume. If none exists, it creates a new session
// with a destination name derived from the suggested name; the name is unique within
// the output directory and fixed for the life of the session. A recently completed
// session for the same fingerprint is re-acknowledged as complete instead of being
// uploaded again.
func (r *Registry) OpenOrResume(fingerprint string, size int64, suggestedName string) (*Status, error) {
	if fingerprint == "" || size < 0 {
		return nil, fmt.Errorf("invalid session parameters")
	}
	if r.fileSizeLimit > 0 && size > r.fileSizeLimit {
		return nil, ErrSizeLimitExceeded
	}

	for {
		r.mu.Lock()
		s := r.byFingerprint[fingerprint]
		if s == nil {
			s = &Session{
				ID:           uuid.NewString(),
				Fingerprint:  fingerprint,
				Size:         size,
				DestName:     r.allocateNameLocked(suggestedName),
				State:        StateOpen,
				CreatedAt:    time.Now(),
				LastActivity: time.Now(),
			}
			r.sessions[s.ID] = s
			r.byFingerprint[fingerprint] = s
			r.claimed[s.DestName] = s.ID
			err := r.persist(s)
			r.mu.Unlock()
			if err != nil {
				return nil, err
			}
			log.Printf("session %s opened: %s (%s) -> %s", s.ID, shortFingerprint(fingerprint), util.BytesToHuman(size), s.DestName)
			return &Status{ID: s.ID, BytesReceived: 0, DestName: s.DestName}, nil
		}
		r.mu.Unlock()

		s.mu.Lock()
		switch s.State {
		case StateComplete:
			status := &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName, Complete: true}
			s.mu.Unlock()
			return status, nil
		case StateOpen, StateResumed:
			if s.Size != size {
				// Same content fingerprint but different declared size; the old session
				// is garbage, start over.
				r.discard(s)
				s.mu.Unlock()
				continue
			}
			s.State = StateResumed
			s.LastActivity = time.Now()
			r.persist(s)
			status := &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName}
			s.mu.Unlock()
			log.Printf("session %s resumed at %s", status.ID, util.BytesToHuman(status.BytesReceived))
			return status, nil
		case StateFinalizing:
			status := &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName}
			s.mu.Unlock()
			return status, nil
		default:
			// Aborted between lookup and lock; retry
			s.mu.Unlock()
			continue
		}
	}
}

// WriteChunk appends the given bytes to the session's partial file. The offset must
// equal the number of bytes already received: no gaps, no overwrite-from-behind. The
// data is flushed to disk before the call returns, so an acknowledged chunk is never
// lost. When the last byte arrives, the session is finalized in the same call.
func (r *Registry) WriteChunk(id string, offset int64, body io.Reader) (*Status, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateOpen && s.State != StateResumed {
		return nil, ErrNotFound
	}
	if offset != s.BytesReceived {
		return &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName}, ErrOffsetMismatch
	}
	remaining := s.Size - s.BytesReceived

	f, err := os.OpenFile(r.partFilename(s.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(f, io.LimitReader(body, remaining))
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// Roll back the partial append so a retried chunk starts at the
		// acknowledged offset
		if terr := os.Truncate(r.partFilename(s.ID), s.BytesReceived); terr != nil {
			log.Printf("session %s: cannot roll back partial chunk: %s", s.ID, terr.Error())
			if stat, serr := os.Stat(r.partFilename(s.ID)); serr == nil {
				s.BytesReceived = stat.Size()
			}
		}
		return nil, err
	}

	s.BytesReceived += written
	s.LastActivity = time.Now()

	if s.BytesReceived == s.Size {
		if err := r.finalize(s); err != nil {
			return nil, err
		}
		return &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName, Complete: true}, nil
	}
	return &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName}, nil
}

// Finalize explicitly completes a session. It exists for zero-length files, and as an
// idempotent re-acknowledgment for clients that crashed after sending the last chunk.
func (r *Registry) Finalize(id string) (*Status, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateComplete {
		return &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName, Complete: true}, nil
	}
	if s.State != StateOpen && s.State != StateResumed {
		return nil, ErrNotFound
	}
	if s.BytesReceived != s.Size {
		return nil, ErrNotComplete
	}
	if err := r.finalize(s); err != nil {
		return nil, err
	}
	return &Status{ID: s.ID, BytesReceived: s.BytesReceived, DestName: s.DestName, Complete: true}, nil
}

// finalize verifies the assembled content against the declared fingerprint and
// commits it into the output directory. The caller must hold the session mutex.
func (r *Registry) finalize(s *Session) error {
	s.State = StateFinalizing
	r.persist(s)

	partFilename := r.partFilename(s.ID)
	if s.Size == 0 {
		// Zero-length uploads never produce a chunk, so there is no partial file yet
		if err := os.WriteFile(partFilename, nil, 0600); err != nil {
			r.unfinalize(s)
			return err
		}
	}
	actual, err := crypto.FingerprintFile(partFilename)
	if err != nil {
		r.unfinalize(s)
		return err
	}
	if actual != s.Fingerprint {
		log.Printf("session %s: checksum mismatch, discarding %s", s.ID, util.BytesToHuman(s.BytesReceived))
		r.discard(s)
		return ErrChecksumMismatch
	}

	if err := os.Rename(partFilename, filepath.Join(r.outputDir, s.DestName)); err != nil {
		r.unfinalize(s)
		return err
	}
	s.State = StateComplete
	s.LastActivity = time.Now()
	r.persist(s)

	// The file now exists in the output dir, so name allocation sees it on disk
	r.mu.Lock()
	delete(r.claimed, s.DestName)
	r.mu.Unlock()

	log.Printf("session %s complete: %s (%s)", s.ID, s.DestName, util.BytesToHuman(s.Size))
	return nil
}

// Expire aborts sessions that have been idle for longer than idleAfter, discarding
// their partial data, and drops completed sessions older than completedRetain.
func (r *Registry) Expire(idleAfter time.Duration, completedRetain time.Duration) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.mu.Lock()
		idle := time.Since(s.LastActivity)
		switch {
		case s.State == StateComplete && idle > completedRetain:
			r.forget(s)
			log.Printf("session %s: dropped completed session after retain window", s.ID)
		case (s.State == StateOpen || s.State == StateResumed) && idle > idleAfter:
			r.discard(s)
			log.Printf("session %s: expired after %s idle, partial data discarded", s.ID, util.DurationToHuman(idle))
		}
		s.mu.Unlock()
	}
}

// Stats returns statistics about live sessions
func (r *Registry) Stats() *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &Stats{}
	for _, s := range r.sessions {
		if s.State == StateOpen || s.State == StateResumed {
			stats.Active++
			stats.PartialBytes += s.BytesReceived
		}
	}
	return stats
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// allocateNameLocked picks a unique destination name derived from the suggested name,
// appending a counter before the extension until the name is free both on disk and
// among names claimed by live sessions. The caller must hold the registry mutex.
func (r *Registry) allocateNameLocked(suggestedName string) string {
	base := filepath.Base(filepath.Clean(suggestedName))
	if base == "." || base == "/" || base == "" || strings.HasPrefix(base, ".") {
		base = "unnamed"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	candidate := base
	for i := 1; ; i++ {
		if _, claimed := r.claimed[candidate]; !claimed {
			// Only a name that is verifiably on disk counts as taken; appending
			// counters cannot cure a stat failure like a too-long name
			if _, err := os.Stat(filepath.Join(r.outputDir, candidate)); err != nil {
				return candidate
			}
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// unfinalize puts a session back into the resumable state after a finalize attempt
// failed on an I/O error, so WriteChunk and a later Finalize still accept it. The
// caller holds the session mutex.
func (r *Registry) unfinalize(s *Session) {
	s.State = StateResumed
	r.persist(s)
}

// discard aborts a session and removes its on-disk state. The caller holds the
// session mutex.
func (r *Registry) discard(s *Session) {
	s.State = StateAborted
	os.Remove(r.partFilename(s.ID))
	r.forget(s)
}

func (r *Registry) forget(s *Session) {
	os.Remove(r.metaFilename(s.ID))
	r.mu.Lock()
	delete(r.sessions, s.ID)
	if r.byFingerprint[s.Fingerprint] == s {
		delete(r.byFingerprint, s.Fingerprint)
	}
	if r.claimed[s.DestName] == s.ID {
		delete(r.claimed, s.DestName)
	}
	r.mu.Unlock()
}

// persist writes the session metadata file. The byte count in it does not need to be
// exact: on restore, the partial file size is authoritative.
func (r *Registry) persist(s *Session) error {
	f, err := os.OpenFile(r.metaFilename(s.ID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(s)
}

// restore reloads persisted sessions after a server restart
func (r *Registry) restore() error {
	entries, err := os.ReadDir(r.workDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), metaFileSuffix) {
			continue
		}
		filename := filepath.Join(r.workDir, entry.Name())
		b, err := os.ReadFile(filename)
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(b, &s); err != nil {
			log.Printf("removing unreadable session meta file %s: %s", entry.Name(), err.Error())
			os.Remove(filename)
			continue
		}
		switch s.State {
		case StateOpen, StateResumed, StateFinalizing:
			// The partial file size is authoritative; an interrupted finalize will be
			// re-requested by the client.
			s.State = StateResumed
			s.BytesReceived = 0
			if stat, err := os.Stat(r.partFilename(s.ID)); err == nil {
				s.BytesReceived = stat.Size()
			}
			r.sessions[s.ID] = &s
			r.byFingerprint[s.Fingerprint] = &s
			r.claimed[s.DestName] = s.ID
		case StateComplete:
			r.sessions[s.ID] = &s
			r.byFingerprint[s.Fingerprint] = &s
		default:
			os.Remove(filename)
			os.Remove(r.partFilename(s.ID))
		}
	}
	if len(r.sessions) > 0 {
		log.Printf("restored %d session(s) from %s", len(r.sessions), r.workDir)
	}
	return nil
}

func (r *Registry) partFilename(id string) string {
	return filepath.Join(r.workDir, id+partFileSuffix)
}

func (r *Registry) metaFilename(id string) string {
	return filepath.Join(r.workDir, id+metaFileSuffix)
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
