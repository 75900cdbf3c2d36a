// Package swap - offer token and peer message framing.
//
// Both use the same self-delimiting encoding: the 16-byte transaction id, a
// big-endian protocol version, then (param_id u32, sub_tx_id u8, length u32,
// bytes) tuples sorted by (param_id, sub_tx_id). Integers inside values are
// big-endian; points and scalars use their canonical compressed forms.
package swap

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/2miners/beam/internal/params"
)

// Entry is one parameter tuple in a token or message.
type Entry struct {
	ID    params.ID
	SubTx params.SubTxID
	Value []byte
}

// Packet is the decoded form of a token or peer message.
type Packet struct {
	TxID    [TxIDSize]byte
	Version uint32
	Entries []Entry
}

// TxIDHex returns the packet's transaction id as hex.
func (p *Packet) TxIDHex() string {
	return hex.EncodeToString(p.TxID[:])
}

// Get returns the value of an entry, if present.
func (p *Packet) Get(id params.ID, subTx params.SubTxID) ([]byte, bool) {
	for _, e := range p.Entries {
		if e.ID == id && e.SubTx == subTx {
			return e.Value, true
		}
	}
	return nil, false
}

// Add appends an entry.
func (p *Packet) Add(id params.ID, subTx params.SubTxID, value []byte) {
	p.Entries = append(p.Entries, Entry{ID: id, SubTx: subTx, Value: value})
}

// AddUint64 appends a big-endian uint64 entry.
func (p *Packet) AddUint64(id params.ID, subTx params.SubTxID, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	p.Add(id, subTx, buf[:])
}

// AddUint32 appends a big-endian uint32 entry.
func (p *Packet) AddUint32(id params.ID, subTx params.SubTxID, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	p.Add(id, subTx, buf[:])
}

// AddBool appends a bool entry.
func (p *Packet) AddBool(id params.ID, subTx params.SubTxID, v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	p.Add(id, subTx, []byte{b})
}

// Serialize encodes the packet. Entries are sorted so equal parameter sets
// serialize to identical bytes on both peers.
func (p *Packet) Serialize() []byte {
	entries := append([]Entry(nil), p.Entries...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID != entries[j].ID {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].SubTx < entries[j].SubTx
	})

	size := TxIDSize + 4
	for _, e := range entries {
		size += 4 + 1 + 4 + len(e.Value)
	}

	out := make([]byte, 0, size)
	out = append(out, p.TxID[:]...)
	out = binary.BigEndian.AppendUint32(out, p.Version)
	for _, e := range entries {
		out = binary.BigEndian.AppendUint32(out, uint32(e.ID))
		out = append(out, byte(e.SubTx))
		out = binary.BigEndian.AppendUint32(out, uint32(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out
}

// ParsePacket decodes a token or peer message.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < TxIDSize+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidToken, len(data))
	}
	var p Packet
	copy(p.TxID[:], data[:TxIDSize])
	p.Version = binary.BigEndian.Uint32(data[TxIDSize:])

	off := TxIDSize + 4
	for off < len(data) {
		if off+9 > len(data) {
			return nil, fmt.Errorf("%w: truncated tuple header", ErrInvalidToken)
		}
		id := params.ID(binary.BigEndian.Uint32(data[off:]))
		subTx := params.SubTxID(data[off+4])
		length := binary.BigEndian.Uint32(data[off+5:])
		off += 9
		if off+int(length) > len(data) {
			return nil, fmt.Errorf("%w: truncated tuple value", ErrInvalidToken)
		}
		p.Add(id, subTx, append([]byte(nil), data[off:off+int(length)]...))
		off += int(length)
	}
	return &p, nil
}

// EncodeToken returns the base64 form handed to the UI and transport.
func (p *Packet) EncodeToken() string {
	return base64.StdEncoding.EncodeToString(p.Serialize())
}

// DecodeToken parses a base64 transaction token.
func DecodeToken(token string) (*Packet, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return ParsePacket(raw)
}
