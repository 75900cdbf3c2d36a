// Package params - typed store adapter over the persisted parameter bag.
package params

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/storage"
)

// Store errors
var (
	ErrMissingParameter = errors.New("missing parameter")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Store is a typed view over one transaction's parameter bag. It is a cheap
// transient object: builders and the swap driver construct one per wake-up
// and hold no other reference to the transaction.
type Store struct {
	db   *storage.Storage
	txID string
}

// NewStore creates a parameter store view for a transaction.
func NewStore(db *storage.Storage, txID string) *Store {
	return &Store{db: db, txID: txID}
}

// TxID returns the owning transaction id (hex).
func (s *Store) TxID() string {
	return s.txID
}

// GetBytes reads a raw parameter.
func (s *Store) GetBytes(id ID, subTx SubTxID) ([]byte, bool, error) {
	return s.db.GetParam(s.txID, uint8(subTx), uint32(id))
}

// Set writes a local parameter. Writing an identical value twice is a no-op;
// writing a different value to a sealed parameter fails.
func (s *Store) Set(id ID, subTx SubTxID, value []byte) error {
	existing, ok, err := s.GetBytes(id, subTx)
	if err != nil {
		return err
	}
	if ok {
		if bytes.Equal(existing, value) {
			return nil
		}
		if !Reopenable(id) {
			return fmt.Errorf("%w: parameter %d/%d already sealed", ErrInvalidParameter, id, subTx)
		}
	}
	return s.db.SetParam(s.txID, uint8(subTx), uint32(id), value)
}

// SetPeer writes a parameter attributed to the peer. The id must be on the
// whitelist; duplicate identical writes are idempotent, a differing value is
// a protocol violation.
func (s *Store) SetPeer(id ID, subTx SubTxID, value []byte) error {
	if !PeerWritable(id) {
		return fmt.Errorf("%w: parameter %d not peer-writable", ErrInvalidParameter, id)
	}
	existing, ok, err := s.GetBytes(id, subTx)
	if err != nil {
		return err
	}
	if ok {
		if bytes.Equal(existing, value) {
			return nil
		}
		return fmt.Errorf("%w: peer changed parameter %d/%d", ErrInvalidParameter, id, subTx)
	}
	return s.db.SetParam(s.txID, uint8(subTx), uint32(id), value)
}

// =============================================================================
// Typed accessors
// =============================================================================

// GetUint64 reads a big-endian uint64 parameter.
func (s *Store) GetUint64(id ID, subTx SubTxID) (uint64, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("%w: uint64 parameter %d has %d bytes", ErrInvalidParameter, id, len(raw))
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// SetUint64 writes a big-endian uint64 parameter.
func (s *Store) SetUint64(id ID, subTx SubTxID, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return s.Set(id, subTx, buf[:])
}

// GetUint32 reads a big-endian uint32 parameter.
func (s *Store) GetUint32(id ID, subTx SubTxID) (uint32, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("%w: uint32 parameter %d has %d bytes", ErrInvalidParameter, id, len(raw))
	}
	return binary.BigEndian.Uint32(raw), true, nil
}

// SetUint32 writes a big-endian uint32 parameter.
func (s *Store) SetUint32(id ID, subTx SubTxID, value uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return s.Set(id, subTx, buf[:])
}

// GetBool reads a bool parameter.
func (s *Store) GetBool(id ID, subTx SubTxID) (bool, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return false, ok, err
	}
	if len(raw) != 1 {
		return false, false, fmt.Errorf("%w: bool parameter %d has %d bytes", ErrInvalidParameter, id, len(raw))
	}
	return raw[0] != 0, true, nil
}

// SetBool writes a bool parameter.
func (s *Store) SetBool(id ID, subTx SubTxID, value bool) error {
	b := byte(0)
	if value {
		b = 1
	}
	return s.Set(id, subTx, []byte{b})
}

// GetPoint reads a compressed curve point parameter.
func (s *Store) GetPoint(id ID, subTx SubTxID) (*mw.Point, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return nil, ok, err
	}
	p, err := mw.ParsePoint(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: parameter %d: %v", ErrInvalidParameter, id, err)
	}
	return p, true, nil
}

// SetPoint writes a compressed curve point parameter.
func (s *Store) SetPoint(id ID, subTx SubTxID, p *mw.Point) error {
	return s.Set(id, subTx, p.Serialize())
}

// GetScalar reads a scalar parameter.
func (s *Store) GetScalar(id ID, subTx SubTxID) (*mw.Scalar, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return nil, ok, err
	}
	k, err := mw.ScalarFromBytes(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: parameter %d: %v", ErrInvalidParameter, id, err)
	}
	return k, true, nil
}

// SetScalar writes a scalar parameter.
func (s *Store) SetScalar(id ID, subTx SubTxID, k *mw.Scalar) error {
	return s.Set(id, subTx, mw.SerializeScalar(k))
}

// GetString reads a string parameter.
func (s *Store) GetString(id ID, subTx SubTxID) (string, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	return string(raw), ok, err
}

// SetString writes a string parameter.
func (s *Store) SetString(id ID, subTx SubTxID, v string) error {
	return s.Set(id, subTx, []byte(v))
}

// GetPointList reads a list of compressed points.
func (s *Store) GetPointList(id ID, subTx SubTxID) ([]*mw.Point, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(raw)%mw.PointSize != 0 {
		return nil, false, fmt.Errorf("%w: point list parameter %d has %d bytes", ErrInvalidParameter, id, len(raw))
	}
	points := make([]*mw.Point, 0, len(raw)/mw.PointSize)
	for off := 0; off < len(raw); off += mw.PointSize {
		p, err := mw.ParsePoint(raw[off : off+mw.PointSize])
		if err != nil {
			return nil, false, fmt.Errorf("%w: parameter %d: %v", ErrInvalidParameter, id, err)
		}
		points = append(points, p)
	}
	return points, true, nil
}

// SetPointList writes a list of compressed points.
func (s *Store) SetPointList(id ID, subTx SubTxID, points []*mw.Point) error {
	buf := make([]byte, 0, len(points)*mw.PointSize)
	for _, p := range points {
		buf = append(buf, p.Serialize()...)
	}
	return s.Set(id, subTx, buf)
}

// GetStringList reads a length-prefixed string list parameter.
func (s *Store) GetStringList(id ID, subTx SubTxID) ([]string, bool, error) {
	raw, ok, err := s.GetBytes(id, subTx)
	if err != nil || !ok {
		return nil, ok, err
	}
	var out []string
	for off := 0; off < len(raw); {
		if off+2 > len(raw) {
			return nil, false, fmt.Errorf("%w: truncated string list parameter %d", ErrInvalidParameter, id)
		}
		n := int(binary.BigEndian.Uint16(raw[off:]))
		off += 2
		if off+n > len(raw) {
			return nil, false, fmt.Errorf("%w: truncated string list parameter %d", ErrInvalidParameter, id)
		}
		out = append(out, string(raw[off:off+n]))
		off += n
	}
	return out, true, nil
}

// SetStringList writes a length-prefixed string list parameter.
func (s *Store) SetStringList(id ID, subTx SubTxID, values []string) error {
	var buf bytes.Buffer
	for _, v := range values {
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(v)))
		buf.Write(n[:])
		buf.WriteString(v)
	}
	return s.Set(id, subTx, buf.Bytes())
}

// =============================================================================
// Mandatory accessors
// =============================================================================

// MustUint64 reads a uint64 parameter that must be present.
func (s *Store) MustUint64(id ID, subTx SubTxID) (uint64, error) {
	v, ok, err := s.GetUint64(id, subTx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d/%d", ErrMissingParameter, id, subTx)
	}
	return v, nil
}

// MustBool reads a bool parameter that must be present.
func (s *Store) MustBool(id ID, subTx SubTxID) (bool, error) {
	v, ok, err := s.GetBool(id, subTx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %d/%d", ErrMissingParameter, id, subTx)
	}
	return v, nil
}

// MustPoint reads a point parameter that must be present.
func (s *Store) MustPoint(id ID, subTx SubTxID) (*mw.Point, error) {
	v, ok, err := s.GetPoint(id, subTx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%d", ErrMissingParameter, id, subTx)
	}
	return v, nil
}

// MustScalar reads a scalar parameter that must be present.
func (s *Store) MustScalar(id ID, subTx SubTxID) (*mw.Scalar, error) {
	v, ok, err := s.GetScalar(id, subTx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%d", ErrMissingParameter, id, subTx)
	}
	return v, nil
}

// MustBytes reads a raw parameter that must be present.
func (s *Store) MustBytes(id ID, subTx SubTxID) ([]byte, error) {
	v, ok, err := s.GetBytes(id, subTx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%d", ErrMissingParameter, id, subTx)
	}
	return v, nil
}

// =============================================================================
// Sub-state cursor
// =============================================================================

// GetState reads the sub-state machine cursor for a sub-transaction.
func (s *Store) GetState(subTx SubTxID) (uint32, error) {
	v, ok, err := s.GetUint32(IDState, subTx)
	if err != nil || !ok {
		return 0, err
	}
	return v, nil
}

// SetState persists the sub-state machine cursor for a sub-transaction.
func (s *Store) SetState(subTx SubTxID, state uint32) error {
	return s.SetUint32(IDState, subTx, state)
}
