// Package appfsm is the application-level collaborator named in
// SPEC_FULL.md §6.1: a single-value-per-key in-memory KV store that applies
// committed log entries. It adapts the teacher's stateMachine
// (state_machine.go / state-machine/command.go): same binary command
// encoding (kind byte, length-prefixed key, length-prefixed value for SET),
// generalized to implement node.Applier directly against raft.LogEntry
// instead of the teacher's opaque []byte Apply(msg []byte) interface.
package appfsm

import (
	"encoding/binary"
	"fmt"
	"sync"

	raft "github.com/Konstantsiy/raftcore"
)

// CommandKind tags one KV operation.
type CommandKind uint8

const (
	CmdSet CommandKind = iota
	CmdGet
)

const (
	maxKeyLen   = 1024
	maxValueLen = 1024 * 1024
)

// Command is a decoded KV operation.
type Command struct {
	Kind  CommandKind
	Key   string
	Value string
}

// EncodeSet produces the wire bytes for a SET command, suitable for
// wrapping in raft.ApplicationCommand and submitting via Node.SubmitCommand.
func EncodeSet(key, value string) ([]byte, error) {
	return encodeCmd(Command{Kind: CmdSet, Key: key, Value: value})
}

// EncodeGet produces the wire bytes for a GET command. GET commands are
// typically served by reading the in-memory store directly rather than
// round-tripping through the log, but the wire format supports encoding one
// for symmetry with the teacher's command set.
func EncodeGet(key string) ([]byte, error) {
	return encodeCmd(Command{Kind: CmdGet, Key: key})
}

// Store is an in-memory single-value-per-key KV application state machine.
// It implements node.Applier: Apply is called once per committed log entry,
// in index order, by exactly one goroutine (the owning Node's run loop), so
// Store itself does not need to serialize against concurrent Apply calls —
// only Get, which a transport's read-path calls concurrently.
type Store struct {
	db sync.Map
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Apply decodes entry's command payload and applies it. Entries carrying a
// CommandMembershipChange payload are ignored: membership changes are a
// planned extension (SPEC_FULL.md §4.1) with no transition logic mandated
// yet, so there is nothing for the application layer to do with one.
func (s *Store) Apply(entry raft.LogEntry) {
	if entry.Command.Kind != raft.CommandApplication {
		return
	}

	cmd, err := decodeCmd(entry.Command.Application)
	if err != nil {
		// A malformed committed entry is a protocol violation upstream of
		// this layer (§7); there is nothing safe to do here but skip it.
		return
	}

	switch cmd.Kind {
	case CmdSet:
		s.db.Store(cmd.Key, cmd.Value)
	case CmdGet:
		// GET commands do not mutate state; they only exist on the wire
		// format for symmetry and are normally served without going
		// through the log at all.
	}
}

// Get reads a key directly from the in-memory store, bypassing the log —
// the usual way a read-only request is served once the caller has
// separately confirmed it is talking to the current leader (or is willing
// to accept a possibly-stale read).
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.db.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// decodeCmd mirrors the teacher's stateMachine.decodeCmd layout:
//
//	[0]       - kind
//	[1..5)    - key length (uint32)
//	[5..5+n)  - key
//	For CmdSet only:
//	[5+n..9+n)  - value length (uint32)
//	[9+n..]     - value
func decodeCmd(msg []byte) (Command, error) {
	var cmd Command
	if len(msg) < 5 {
		return cmd, fmt.Errorf("command too short: %d bytes", len(msg))
	}

	cmd.Kind = CommandKind(msg[0])

	keyLen := int(binary.BigEndian.Uint32(msg[1:5]))
	if keyLen <= 0 || keyLen > maxKeyLen {
		return cmd, fmt.Errorf("invalid key length: %d", keyLen)
	}
	if len(msg) < 5+keyLen {
		return cmd, fmt.Errorf("incomplete message for key: need %d, got %d", 5+keyLen, len(msg))
	}
	cmd.Key = string(msg[5 : 5+keyLen])

	if cmd.Kind != CmdSet {
		return cmd, nil
	}

	valueOffset := 5 + keyLen
	if len(msg) < valueOffset+4 {
		return cmd, fmt.Errorf("message too short for value length")
	}
	valueLen := int(binary.BigEndian.Uint32(msg[valueOffset : valueOffset+4]))
	if valueLen < 0 || valueLen > maxValueLen {
		return cmd, fmt.Errorf("invalid value length: %d", valueLen)
	}
	if len(msg) < valueOffset+4+valueLen {
		return cmd, fmt.Errorf("incomplete message for value: need %d, got %d", valueOffset+4+valueLen, len(msg))
	}
	cmd.Value = string(msg[valueOffset+4 : valueOffset+4+valueLen])

	return cmd, nil
}

func encodeCmd(cmd Command) ([]byte, error) {
	keyLen := uint32(len(cmd.Key))
	if keyLen == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if keyLen > maxKeyLen {
		return nil, fmt.Errorf("key too large: %d bytes", keyLen)
	}

	var valueLen uint32
	if cmd.Kind == CmdSet {
		valueLen = uint32(len(cmd.Value))
		if valueLen == 0 {
			return nil, fmt.Errorf("value cannot be empty for SET")
		}
		if valueLen > maxValueLen {
			return nil, fmt.Errorf("value too large: %d bytes", valueLen)
		}
	}

	total := 1 + 4 + keyLen
	if cmd.Kind == CmdSet {
		total += 4 + valueLen
	}

	buf := make([]byte, total)
	buf[0] = byte(cmd.Kind)
	binary.BigEndian.PutUint32(buf[1:5], keyLen)
	copy(buf[5:5+keyLen], cmd.Key)

	if cmd.Kind == CmdSet {
		valOffset := 5 + keyLen
		binary.BigEndian.PutUint32(buf[valOffset:valOffset+4], valueLen)
		copy(buf[valOffset+4:valOffset+4+valueLen], cmd.Value)
	}

	return buf, nil
}
