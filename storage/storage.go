// Package storage implements the durable per-node state described in
// SPEC_FULL.md §4.2: current term, vote record, and log. It keeps the
// teacher's exact on-disk layout from raft-server/state.go (a fixed header
// followed by one header-plus-payload record per log entry, written with
// Truncate+Seek+Write+Sync on every persist) and generalizes the per-entry
// command payload to the tagged union defined in package raft.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	raft "github.com/Konstantsiy/raftcore"
)

// Store is a durable, file-backed PersistentState. One Store belongs to
// exactly one Node; SPEC_FULL.md §5 requires this exclusivity so internal
// locking only needs to protect against concurrent callers within that one
// Node, not cross-Node contention.
type Store struct {
	mu sync.Mutex
	fd *os.File

	currentTerm raft.Term
	vote        raft.Vote
	log         []raft.LogEntry
}

// Open opens (creating if necessary) the durable state file for serverID
// under dataDir and restores any existing state. A freshly created file
// starts at term 0 with no vote and an empty log, matching the teacher's
// NewServer defaulting behavior in raft-server/server.go.
func Open(dataDir string, serverID raft.ServerId) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &raft.StorageFailure{Op: "mkdir", Err: err}
	}

	path := filepath.Join(dataDir, fmt.Sprintf("server-%d.dat", uint32(serverID)))
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &raft.StorageFailure{Op: "open", Err: err}
	}

	s := &Store{fd: fd}

	info, err := fd.Stat()
	if err != nil {
		return nil, &raft.StorageFailure{Op: "stat", Err: err}
	}
	if info.Size() > 0 {
		if err := s.restore(); err != nil {
			return nil, &raft.StorageFailure{Op: "restore", Err: err}
		}
	}

	return s, nil
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd.Close()
}

// CurrentTerm returns the last durably written term.
func (s *Store) CurrentTerm() raft.Term {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm
}

// Vote returns the last durably written vote record.
func (s *Store) Vote() raft.Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vote
}

// Log returns a copy of the durable log. Callers get a copy, never the
// internal slice, so mutation always goes through SaveState.
func (s *Store) Log() []raft.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]raft.LogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// LastLogIndexAndTerm returns (0, 0) for an empty log, per the glossary's
// "both logs empty" convention.
func (s *Store) LastLogIndexAndTerm() (raft.LogIndex, raft.Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return 0, 0
	}
	last := s.log[len(s.log)-1]
	return last.Index, last.Term
}

// SaveState durably writes term, vote, and log together — this is the
// Node's single entry point for every mutation the reducer requests, so
// that "current_term and vote must be persisted before the corresponding
// reply is emitted" (§4.1) is satisfied by construction: the Node always
// calls SaveState before handing any outbound message to the transport.
func (s *Store) SaveState(term raft.Term, vote raft.Vote, log []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(term, vote, log); err != nil {
		return &raft.StorageFailure{Op: "persist", Err: err}
	}

	s.currentTerm = term
	s.vote = vote
	s.log = log
	return nil
}

// persistLocked writes the persistent state to disk.
//
//	[0..7]   - currentTerm (8 bytes)
//	[8..20]  - vote record: cast flag (1 byte), term (8 bytes), candidate (4 bytes)
//	[21..24] - logLength (4 bytes)
//	[25..]   - entries, each:
//	    [0..7]  - term (uint64)
//	    [8..15] - index (uint64)
//	    [16]    - command kind (1 byte)
//	    [..]    - command payload (kind-dependent, see encodeLogEntry)
func (s *Store) persistLocked(term raft.Term, vote raft.Vote, log []raft.LogEntry) error {
	if err := s.fd.Truncate(0); err != nil {
		return err
	}
	if _, err := s.fd.Seek(0, 0); err != nil {
		return err
	}

	header := make([]byte, 0, 8+13+4)
	header = appendUint64(header, uint64(term))
	header = appendVote(header, vote)
	header = appendUint32(header, uint32(len(log)))

	if _, err := s.fd.Write(header); err != nil {
		return fmt.Errorf("cannot write persistent state header: %w", err)
	}

	for i, entry := range log {
		record := encodeLogEntry(entry)
		if _, err := s.fd.Write(record); err != nil {
			return fmt.Errorf("cannot write [%d] log entry: %w", i, err)
		}
	}

	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync persistent state to disk: %w", err)
	}

	return nil
}

func (s *Store) restore() error {
	if _, err := s.fd.Seek(0, 0); err != nil {
		return err
	}

	header := make([]byte, 8+13+4)
	if _, err := readFullReader(s.fd, header); err != nil {
		return fmt.Errorf("cannot read persistent state header: %w", err)
	}

	s.currentTerm = raft.Term(binary.BigEndian.Uint64(header[0:8]))
	s.vote = parseVote(header[8:21])
	logLength := binary.BigEndian.Uint32(header[21:25])

	s.log = make([]raft.LogEntry, 0, logLength)
	for i := uint32(0); i < logLength; i++ {
		entry, err := decodeLogEntry(s.fd)
		if err != nil {
			return fmt.Errorf("cannot read [%d] log entry: %w", i, err)
		}
		s.log = append(s.log, entry)
	}

	return nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendVote(buf []byte, vote raft.Vote) []byte {
	var cast byte
	if vote.Cast {
		cast = 1
	}
	buf = append(buf, cast)
	buf = appendUint64(buf, uint64(vote.Term))
	buf = appendUint32(buf, uint32(vote.Candidate))
	return buf
}

func parseVote(b []byte) raft.Vote {
	return raft.Vote{
		Cast:      b[0] == 1,
		Term:      raft.Term(binary.BigEndian.Uint64(b[1:9])),
		Candidate: raft.ServerId(binary.BigEndian.Uint32(b[9:13])),
	}
}
