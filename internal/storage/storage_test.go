package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTransactionLifecycle(t *testing.T) {
	s := newTestStorage(t)

	rec := &TransactionRecord{
		TxID:        "aa",
		Type:        TxTypeAtomicSwap,
		IsInitiator: true,
		Status:      TxStatusPending,
	}
	if err := s.CreateTransaction(rec); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if err := s.CreateTransaction(rec); !errors.Is(err, ErrTxExists) {
		t.Fatalf("duplicate create = %v, want ErrTxExists", err)
	}

	got, err := s.GetTransaction("aa")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !got.IsInitiator || got.Type != TxTypeAtomicSwap || got.Status != TxStatusPending {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := s.UpdateTransactionStatus("aa", TxStatusFailed, "transaction_expired"); err != nil {
		t.Fatalf("UpdateTransactionStatus failed: %v", err)
	}
	got, _ = s.GetTransaction("aa")
	if got.Status != TxStatusFailed || got.FailureReason != "transaction_expired" {
		t.Errorf("status update not persisted: %+v", got)
	}

	active, err := s.ListActiveTransactions()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("failed transaction still listed as active")
	}

	if err := s.DeleteTransaction("aa"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTransaction("aa"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("deleted transaction still present")
	}
}

func TestParamBag(t *testing.T) {
	s := newTestStorage(t)

	if _, ok, err := s.GetParam("tx", 1, 5); err != nil || ok {
		t.Fatalf("empty read = %v, %v", ok, err)
	}
	if err := s.SetParam("tx", 1, 5, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	value, ok, err := s.GetParam("tx", 1, 5)
	if err != nil || !ok || len(value) != 3 {
		t.Fatalf("read back = %v, %v, %v", value, ok, err)
	}

	// Same key, other sub-tx is distinct.
	if _, ok, _ := s.GetParam("tx", 2, 5); ok {
		t.Error("sub-tx scoping broken")
	}
}

func TestCoinSelection(t *testing.T) {
	s := newTestStorage(t)

	for i, amount := range []uint64{5, 2, 1, 9} {
		if err := s.CreateCoin(&Coin{Amount: amount, KeyIndex: uint64(i + 1)}); err != nil {
			t.Fatal(err)
		}
		// Force distinct creation order.
		time.Sleep(time.Millisecond)
	}

	balance, err := s.AvailableBalance()
	if err != nil || balance != 17 {
		t.Fatalf("balance = %d, %v; want 17", balance, err)
	}

	// amount 3 + fee 1: the oldest coin (5) suffices.
	selected, err := s.SelectCoins(4, "swap-1")
	if err != nil {
		t.Fatalf("SelectCoins failed: %v", err)
	}
	if len(selected) != 1 || selected[0].Amount != 5 {
		t.Fatalf("selected %d coins, first %d; want the 5-coin", len(selected), selected[0].Amount)
	}
	if selected[0].Status != CoinStatusLocked {
		t.Error("selected coin not locked")
	}

	// Locked coins are excluded from further selection.
	if _, err := s.SelectCoins(13, "swap-2"); !errors.Is(err, ErrInsufficientCoins) {
		t.Fatalf("overdraw = %v, want ErrInsufficientCoins", err)
	}

	// Release puts them back.
	if err := s.ReleaseCoins("swap-1"); err != nil {
		t.Fatal(err)
	}
	balance, _ = s.AvailableBalance()
	if balance != 17 {
		t.Errorf("balance after release = %d, want 17", balance)
	}
}

func TestCoinSettlement(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateCoin(&Coin{ID: "in", Amount: 5, KeyIndex: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SelectCoins(4, "swap-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCoin(&Coin{ID: "change", Amount: 1, KeyIndex: 2, IsChange: true,
		CreateTxID: "swap-1", Status: CoinStatusIncoming}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCoin(&Coin{ID: "refund-out", Amount: 3, KeyIndex: 3,
		CreateTxID: "swap-1", Status: CoinStatusIncoming}); err != nil {
		t.Fatal(err)
	}

	if err := s.CommitInputs("swap-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ActivateCoins([]string{"change"}); err != nil {
		t.Fatal(err)
	}

	coins, err := s.GetCoins([]string{"in", "change", "refund-out"})
	if err != nil {
		t.Fatal(err)
	}
	if coins[0].Status != CoinStatusSpent {
		t.Errorf("input coin = %s, want spent", coins[0].Status)
	}
	if coins[1].Status != CoinStatusAvailable {
		t.Errorf("change coin = %s, want available", coins[1].Status)
	}
	if coins[2].Status != CoinStatusIncoming {
		t.Errorf("refund output = %s, want still incoming", coins[2].Status)
	}

	// A later release drops the never-confirmed refund output only.
	if err := s.ReleaseCoins("swap-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCoins([]string{"refund-out"}); !errors.Is(err, ErrCoinNotFound) {
		t.Error("unconfirmed output survived release")
	}
	if _, err := s.GetCoins([]string{"change"}); err != nil {
		t.Error("activated change was dropped by release")
	}
}

func TestAddressBook(t *testing.T) {
	s := newTestStorage(t)

	addr := &Address{
		WalletID:  "wallet-1",
		Comment:   "counterparty",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveAddress(addr); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAddress(&Address{WalletID: "own-1", Comment: "mine", IsOwn: true}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAddress("wallet-1")
	if err != nil || got.Comment != "counterparty" || got.IsOwn {
		t.Fatalf("GetAddress = %+v, %v", got, err)
	}
	if got.IsExpired() {
		t.Error("future expiry reported as expired")
	}

	own, err := s.ListAddresses(true)
	if err != nil || len(own) != 1 || own[0].WalletID != "own-1" {
		t.Fatalf("ListAddresses(own) = %v, %v", own, err)
	}
	all, err := s.ListAddresses(false)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListAddresses(all) = %v, %v", all, err)
	}

	if err := s.DeleteAddress("wallet-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAddress("wallet-1"); !errors.Is(err, ErrAddressNotFound) {
		t.Error("deleted address still present")
	}
}

func TestKeyIndexCounter(t *testing.T) {
	s := newTestStorage(t)

	first, err := s.NextKeyIndex("coin-key")
	if err != nil || first != 1 {
		t.Fatalf("first index = %d, %v", first, err)
	}
	second, err := s.NextKeyIndex("coin-key")
	if err != nil || second != 2 {
		t.Fatalf("second index = %d, %v", second, err)
	}
	other, err := s.NextKeyIndex("other")
	if err != nil || other != 1 {
		t.Fatalf("separate counter = %d, %v", other, err)
	}
}
