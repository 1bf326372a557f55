package storage

import (
	"encoding/binary"
	"fmt"
	"io"

	raft "github.com/Konstantsiy/raftcore"
)

// encodeLogEntry produces the on-disk record for one LogEntry:
//
//	[0..7]  term (uint64)
//	[8..15] index (uint64)
//	[16]    command kind (1 byte)
//	[..]    command payload, kind-dependent:
//	  application:        [0..3] payload length (uint32), payload bytes
//	  membership change:  [0..3] node id (uint32), [4] op (1 byte, ADD=0/REMOVE=1)
func encodeLogEntry(entry raft.LogEntry) []byte {
	buf := make([]byte, 0, 17)
	buf = appendUint64(buf, uint64(entry.Term))
	buf = appendUint64(buf, uint64(entry.Index))
	buf = append(buf, byte(entry.Command.Kind))

	switch entry.Command.Kind {
	case raft.CommandApplication:
		buf = appendUint32(buf, uint32(len(entry.Command.Application)))
		buf = append(buf, entry.Command.Application...)
	case raft.CommandMembershipChange:
		buf = appendUint32(buf, uint32(entry.Command.MembershipNode))
		buf = append(buf, byte(entry.Command.MembershipOp))
	}

	return buf
}

func decodeLogEntry(r io.Reader) (raft.LogEntry, error) {
	head := make([]byte, 17)
	if _, err := readFullReader(r, head); err != nil {
		return raft.LogEntry{}, err
	}

	entry := raft.LogEntry{
		Term:  raft.Term(binary.BigEndian.Uint64(head[0:8])),
		Index: raft.LogIndex(binary.BigEndian.Uint64(head[8:16])),
	}
	kind := raft.CommandKind(head[16])

	switch kind {
	case raft.CommandApplication:
		lenBuf := make([]byte, 4)
		if _, err := readFullReader(r, lenBuf); err != nil {
			return raft.LogEntry{}, err
		}
		payload := make([]byte, binary.BigEndian.Uint32(lenBuf))
		if _, err := readFullReader(r, payload); err != nil {
			return raft.LogEntry{}, err
		}
		entry.Command = raft.Command{Kind: raft.CommandApplication, Application: payload}

	case raft.CommandMembershipChange:
		rest := make([]byte, 5)
		if _, err := readFullReader(r, rest); err != nil {
			return raft.LogEntry{}, err
		}
		entry.Command = raft.Command{
			Kind:           raft.CommandMembershipChange,
			MembershipNode: raft.ServerId(binary.BigEndian.Uint32(rest[0:4])),
			MembershipOp:   raft.MembershipChangeKind(rest[4]),
		}

	default:
		return raft.LogEntry{}, fmt.Errorf("unknown command kind %d", kind)
	}

	return entry, nil
}

func readFullReader(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected EOF")
		}
	}
	return total, nil
}
