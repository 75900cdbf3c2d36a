package params

import (
	"errors"
	"testing"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.CreateTransaction(&storage.TransactionRecord{
		TxID:   "00112233445566778899aabbccddeeff",
		Type:   storage.TxTypeAtomicSwap,
		Status: storage.TxStatusPending,
	}); err != nil {
		t.Fatalf("failed to create transaction: %v", err)
	}
	return NewStore(db, "00112233445566778899aabbccddeeff")
}

func TestSetSealsParameters(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetUint64(IDAmount, SubTxBeamLock, 300); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	// Identical rewrite is a no-op.
	if err := s.SetUint64(IDAmount, SubTxBeamLock, 300); err != nil {
		t.Fatalf("idempotent rewrite failed: %v", err)
	}
	// Differing rewrite violates the seal.
	if err := s.SetUint64(IDAmount, SubTxBeamLock, 301); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("sealed overwrite: got %v, want ErrInvalidParameter", err)
	}

	// Reopenable parameters move freely.
	if err := s.SetState(SubTxBeamLock, 1); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := s.SetState(SubTxBeamLock, 2); err != nil {
		t.Fatalf("state advance failed: %v", err)
	}
	state, err := s.GetState(SubTxBeamLock)
	if err != nil || state != 2 {
		t.Fatalf("GetState = %d, %v; want 2", state, err)
	}
}

func TestPeerWhitelist(t *testing.T) {
	s := newTestStore(t)

	// Whitelisted peer write succeeds and is idempotent.
	value := make([]byte, mw.ScalarSize)
	value[31] = 1
	if err := s.SetPeer(IDPeerSignature, SubTxBeamLock, value); err != nil {
		t.Fatalf("whitelisted peer write failed: %v", err)
	}
	if err := s.SetPeer(IDPeerSignature, SubTxBeamLock, value); err != nil {
		t.Fatalf("duplicate peer write failed: %v", err)
	}

	// A peer changing an already-written value is a protocol violation.
	changed := make([]byte, mw.ScalarSize)
	changed[31] = 2
	if err := s.SetPeer(IDPeerSignature, SubTxBeamLock, changed); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("peer overwrite: got %v, want ErrInvalidParameter", err)
	}

	// Non-whitelisted parameters are rejected outright.
	for _, id := range []ID{IDPartialSignature, IDSharedBlindingFactor, IDPreImage, IDBlindingExcess, IDState} {
		if err := s.SetPeer(id, SubTxBeamLock, value); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("peer write to %d: got %v, want ErrInvalidParameter", id, err)
		}
	}
}

func TestTypedRoundTrips(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetUint64(IDMinHeight, SubTxBeamLock, 12345); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.GetUint64(IDMinHeight, SubTxBeamLock); err != nil || !ok || v != 12345 {
		t.Fatalf("uint64 round trip = %d, %v, %v", v, ok, err)
	}

	if err := s.SetBool(IDIsInitiator, SubTxDefault, true); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.GetBool(IDIsInitiator, SubTxDefault); err != nil || !ok || !v {
		t.Fatalf("bool round trip = %v, %v, %v", v, ok, err)
	}

	blind, err := mw.RandomScalar()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetScalar(IDSharedBlindingFactor, SubTxBeamLock, blind); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetScalar(IDSharedBlindingFactor, SubTxBeamLock)
	if err != nil || !ok || !got.Equals(blind) {
		t.Fatalf("scalar round trip failed: %v", err)
	}

	point := mw.ScalarBaseMult(blind)
	if err := s.SetPoint(IDPeerPublicExcess, SubTxBeamLock, point); err != nil {
		t.Fatal(err)
	}
	gotPoint, ok, err := s.GetPoint(IDPeerPublicExcess, SubTxBeamLock)
	if err != nil || !ok || !gotPoint.Equal(point) {
		t.Fatalf("point round trip failed: %v", err)
	}

	list := []*mw.Point{point, mw.GeneratorH()}
	if err := s.SetPointList(IDInputs, SubTxBeamLock, list); err != nil {
		t.Fatal(err)
	}
	gotList, ok, err := s.GetPointList(IDInputs, SubTxBeamLock)
	if err != nil || !ok || len(gotList) != 2 {
		t.Fatalf("point list round trip failed: %v", err)
	}

	coins := []string{"coin-a", "coin-b"}
	if err := s.SetStringList(IDInputCoins, SubTxBeamLock, coins); err != nil {
		t.Fatal(err)
	}
	gotCoins, ok, err := s.GetStringList(IDInputCoins, SubTxBeamLock)
	if err != nil || !ok || len(gotCoins) != 2 || gotCoins[0] != "coin-a" || gotCoins[1] != "coin-b" {
		t.Fatalf("string list round trip = %v, %v, %v", gotCoins, ok, err)
	}
}

func TestMandatoryAccessors(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.MustUint64(IDAmount, SubTxDefault); !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("MustUint64 on empty = %v, want ErrMissingParameter", err)
	}
	if err := s.SetUint64(IDAmount, SubTxDefault, 7); err != nil {
		t.Fatal(err)
	}
	if v, err := s.MustUint64(IDAmount, SubTxDefault); err != nil || v != 7 {
		t.Fatalf("MustUint64 = %d, %v", v, err)
	}
}

func TestScopingBySubTx(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetUint64(IDMinHeight, SubTxBeamLock, 100); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUint64(IDMinHeight, SubTxBeamRefund, 388); err != nil {
		t.Fatal(err)
	}
	lock, _, _ := s.GetUint64(IDMinHeight, SubTxBeamLock)
	refund, _, _ := s.GetUint64(IDMinHeight, SubTxBeamRefund)
	if lock != 100 || refund != 388 {
		t.Fatalf("sub-tx scoping broken: lock=%d refund=%d", lock, refund)
	}
}
