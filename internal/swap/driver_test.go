package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/node"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/secondside"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/internal/wallet"
)

const (
	mnemonicA = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	mnemonicB = "legal winner thank year wave sausage worth useful legal winner thank yellow"
)

// =============================================================================
// Fake second chain
// =============================================================================

type fakeLock struct {
	ref     secondside.LockRef
	height  uint32
	spentBy string
	witness [][]byte
}

type fakeAction struct {
	Kind       string `json:"kind"` // lock, redeem, refund
	TxID       string `json:"txid"`
	LockTxID   string `json:"lock_txid"`
	Secret     []byte `json:"secret,omitempty"`
	LockHeight uint32 `json:"lock_height,omitempty"`
}

// fakeSwapChain is a shared in-memory second chain. Both peers talk to the
// same instance, so one peer's broadcasts are the other's observations.
type fakeSwapChain struct {
	mu      sync.Mutex
	height  uint32
	counter int
	locks   map[string]*fakeLock
	txs     map[string]uint32 // txid -> inclusion height
}

func newFakeSwapChain() *fakeSwapChain {
	return &fakeSwapChain{height: 100, locks: make(map[string]*fakeLock), txs: make(map[string]uint32)}
}

func (f *fakeSwapChain) advance(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height += n
}

func (f *fakeSwapChain) DeriveSecretHash(preImage []byte) []byte {
	return secondside.DeriveSecretHash(preImage)
}

func (f *fakeSwapChain) Height(context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeSwapChain) BuildLockTx(_ context.Context, amount uint64, secretHash, receiverPub, senderPub []byte, lockHeight uint32) (secondside.RawTx, *secondside.LockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	txID := fmt.Sprintf("lock-%04d", f.counter)
	ref := &secondside.LockRef{
		TxID:        txID,
		Amount:      amount,
		SecretHash:  append([]byte(nil), secretHash...),
		ReceiverPub: append([]byte(nil), receiverPub...),
		SenderPub:   append([]byte(nil), senderPub...),
		LockHeight:  lockHeight,
	}
	raw, err := json.Marshal(&fakeAction{Kind: "lock", TxID: txID, LockHeight: lockHeight})
	if err != nil {
		return nil, nil, err
	}
	f.locks[txID] = &fakeLock{ref: *ref, height: 0}
	return raw, ref, nil
}

func (f *fakeSwapChain) BuildRefundTx(_ context.Context, lock *secondside.LockRef, _ []byte) (secondside.RawTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return json.Marshal(&fakeAction{Kind: "refund", TxID: fmt.Sprintf("refund-%04d", f.counter), LockTxID: lock.TxID})
}

func (f *fakeSwapChain) BuildRedeemTx(_ context.Context, lock *secondside.LockRef, _ []byte, preImage []byte) (secondside.RawTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return json.Marshal(&fakeAction{Kind: "redeem", TxID: fmt.Sprintf("redeem-%04d", f.counter),
		LockTxID: lock.TxID, Secret: append([]byte(nil), preImage...)})
}

func (f *fakeSwapChain) Broadcast(_ context.Context, raw secondside.RawTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var action fakeAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return "", secondside.ErrRejectedByNode
	}

	switch action.Kind {
	case "lock":
		lock := f.locks[action.TxID]
		if lock == nil {
			return "", secondside.ErrRejectedByNode
		}
		lock.height = f.height
		f.txs[action.TxID] = f.height
	case "redeem":
		lock := f.locks[action.LockTxID]
		if lock == nil || lock.height == 0 || lock.spentBy != "" {
			return "", secondside.ErrRejectedByNode
		}
		got := f.DeriveSecretHash(action.Secret)
		if string(got) != string(lock.ref.SecretHash) {
			return "", secondside.ErrRejectedByNode
		}
		lock.spentBy = action.TxID
		lock.witness = [][]byte{{0x30}, action.Secret, {0x01}}
		f.txs[action.TxID] = f.height
	case "refund":
		lock := f.locks[action.LockTxID]
		if lock == nil || lock.height == 0 || lock.spentBy != "" {
			return "", secondside.ErrRejectedByNode
		}
		if f.height < lock.ref.LockHeight {
			return "", secondside.ErrRejectedByNode
		}
		lock.spentBy = action.TxID
		lock.witness = [][]byte{{0x30}, nil}
		f.txs[action.TxID] = f.height
	default:
		return "", secondside.ErrRejectedByNode
	}
	return action.TxID, nil
}

func (f *fakeSwapChain) Confirmations(_ context.Context, txID string) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	included, ok := f.txs[txID]
	if !ok {
		return 0, nil
	}
	return uint16(f.height - included + 1), nil
}

func (f *fakeSwapChain) WatchForSecret(_ context.Context, lock *secondside.LockRef) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.locks[lock.TxID]
	if !ok || entry.spentBy == "" {
		return nil, false, nil
	}
	for _, item := range entry.witness {
		if len(item) == 32 && string(f.DeriveSecretHash(item)) == string(entry.ref.SecretHash) {
			return append([]byte(nil), item...), true, nil
		}
	}
	return nil, false, nil
}

// lockBroadcastCount reports how many second-chain locks ever hit the chain.
func (f *fakeSwapChain) lockBroadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, lock := range f.locks {
		if lock.height != 0 {
			n++
		}
	}
	return n
}

var _ secondside.SecondSide = (*fakeSwapChain)(nil)

// =============================================================================
// Two-peer harness
// =============================================================================

type testPeer struct {
	name   string
	store  *storage.Storage
	wallet *wallet.Wallet
	driver *Driver
	inbox  [][]byte
	frozen bool
}

type queueEndpoint struct {
	to *testPeer
}

func (e *queueEndpoint) Send(_ string, payload []byte) error {
	if e.to.frozen {
		return nil
	}
	e.to.inbox = append(e.to.inbox, append([]byte(nil), payload...))
	return nil
}

type harness struct {
	t      *testing.T
	sim    *node.Simulator
	chainB *fakeSwapChain
	a, b   *testPeer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, sim: node.NewSimulator(), chainB: newFakeSwapChain()}
	h.a = h.newPeer("peer-a", mnemonicA)
	h.b = h.newPeer("peer-b", mnemonicB)
	h.a.driver = h.newDriver(h.a, h.b)
	h.b.driver = h.newDriver(h.b, h.a)
	return h
}

func (h *harness) newPeer(name, mnemonic string) *testPeer {
	db, err := storage.New(&storage.Config{DataDir: h.t.TempDir()})
	if err != nil {
		h.t.Fatalf("failed to open storage: %v", err)
	}
	h.t.Cleanup(func() { db.Close() })
	w, err := wallet.New(db, mnemonic)
	if err != nil {
		h.t.Fatalf("failed to create wallet: %v", err)
	}
	return &testPeer{name: name, store: db, wallet: w}
}

func (h *harness) newDriver(p, other *testPeer) *Driver {
	settings := secondside.Settings{
		FeeRate:          1000,
		MinConfirmations: 1,
		LockTimeBlocks:   24, // 4h on the fake chain, under the native 4.8h refund
		Network:          chain.Testnet,
	}
	return NewDriver(&Config{
		Store:        p.store,
		Wallet:       p.wallet,
		Node:         h.sim,
		Endpoint:     &queueEndpoint{to: other},
		Sides:        map[chain.Coin]secondside.SecondSide{chain.CoinBitcoin: h.chainB},
		SideSettings: map[chain.Coin]secondside.Settings{chain.CoinBitcoin: settings},
	})
}

// fund seeds a peer's wallet and the chain's UTXO set.
func (h *harness) fund(p *testPeer, amounts ...uint64) {
	h.t.Helper()
	for _, amount := range amounts {
		coin, err := p.wallet.CreateCoin(amount, false, "", storage.CoinStatusAvailable)
		if err != nil {
			h.t.Fatal(err)
		}
		commitment, err := p.wallet.Commitment(coin)
		if err != nil {
			h.t.Fatal(err)
		}
		h.sim.AddUTXO(commitment)
	}
}

// step delivers queued messages and wakes both drivers, optionally producing
// a block on each chain.
func (h *harness) step(produceBlocks bool) {
	h.t.Helper()
	ctx := context.Background()
	for _, p := range []*testPeer{h.a, h.b} {
		if p.frozen {
			p.inbox = nil
			continue
		}
		inbox := p.inbox
		p.inbox = nil
		for _, payload := range inbox {
			if err := p.driver.HandleMessage(ctx, payload); err != nil && !errors.Is(err, ErrSwapNotFound) {
				h.t.Logf("%s: HandleMessage: %v", p.name, err)
			}
		}
		p.driver.UpdateAll(ctx)
	}
	if produceBlocks {
		h.sim.ProduceBlocks(1)
		h.chainB.advance(1)
	}
}

func (h *harness) run(rounds int) {
	for i := 0; i < rounds; i++ {
		h.step(true)
	}
}

func (h *harness) status(p *testPeer, txID string) (storage.TxStatus, string) {
	h.t.Helper()
	rec, err := p.store.GetTransaction(txID)
	if err != nil {
		h.t.Fatalf("%s: %v", p.name, err)
	}
	return rec.Status, rec.FailureReason
}

func (h *harness) availableBalance(p *testPeer) uint64 {
	h.t.Helper()
	balance, err := p.store.AvailableBalance()
	if err != nil {
		h.t.Fatal(err)
	}
	return balance
}

func defaultOffer(isBeamSide bool) *OfferParams {
	return &OfferParams{
		Amount:     3,
		Fee:        1,
		SwapCoin:   chain.CoinBitcoin,
		SwapAmount: 2000,
		IsBeamSide: isBeamSide,
		PeerID:     "peer-b",
		MyID:       "peer-a",
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestHappyPathBeamSideInitiator(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	h.run(40)

	if status, reason := h.status(h.a, txID); status != storage.TxStatusCompleted {
		t.Fatalf("initiator = %s/%s, want completed", status, reason)
	}
	if status, reason := h.status(h.b, txID); status != storage.TxStatusCompleted {
		t.Fatalf("responder = %s/%s, want completed", status, reason)
	}

	// Initiator paid 3 + fee 1 out of the 5-coin: {2, 1, 9} untouched plus
	// change of 1.
	if balance := h.availableBalance(h.a); balance != 13 {
		t.Errorf("initiator balance = %d, want 13", balance)
	}
	// Responder gained the full joint value as a regular available coin.
	if balance := h.availableBalance(h.b); balance != 3 {
		t.Errorf("responder balance = %d, want 3", balance)
	}
	coins, err := h.b.store.CoinsByTx(txID)
	if err != nil || len(coins) == 0 {
		t.Fatalf("responder has no swap coins: %v", err)
	}
	found := false
	for _, coin := range coins {
		if coin.Amount == 3 && coin.Status == storage.CoinStatusAvailable && !coin.IsChange {
			found = true
		}
	}
	if !found {
		t.Error("responder's redeem coin not available")
	}
}

func TestHappyPathSwapSideInitiator(t *testing.T) {
	h := newHarness(t)
	// Roles swapped: the responder funds the native chain.
	h.fund(h.b, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(false))
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	h.run(40)

	if status, reason := h.status(h.a, txID); status != storage.TxStatusCompleted {
		t.Fatalf("initiator = %s/%s, want completed", status, reason)
	}
	if status, reason := h.status(h.b, txID); status != storage.TxStatusCompleted {
		t.Fatalf("responder = %s/%s, want completed", status, reason)
	}

	// Initiator receives the native coins this time.
	if balance := h.availableBalance(h.a); balance != 3 {
		t.Errorf("initiator balance = %d, want 3", balance)
	}
	if balance := h.availableBalance(h.b); balance != 13 {
		t.Errorf("responder balance = %d, want 13", balance)
	}
}

func TestExpiryBeforeLock(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	offer := defaultOffer(true)
	offer.Lifetime = 1

	txID, token, err := h.a.driver.CreateOffer(context.Background(), offer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	// The peers never hear from each other again; the tip rolls past the
	// lock window.
	h.a.inbox, h.b.inbox = nil, nil
	h.a.frozen, h.b.frozen = true, true
	h.sim.ProduceBlocks(2)
	h.a.frozen, h.b.frozen = false, false
	h.a.inbox, h.b.inbox = nil, nil
	h.a.driver.UpdateAll(context.Background())
	h.b.driver.UpdateAll(context.Background())

	for _, p := range []*testPeer{h.a, h.b} {
		status, reason := h.status(p, txID)
		if status != storage.TxStatusFailed || reason != string(FailureExpired) {
			t.Errorf("%s = %s/%s, want failed/transaction_expired", p.name, status, reason)
		}
	}
	// Nothing ever reached either chain.
	if h.chainB.lockBroadcastCount() != 0 {
		t.Error("second chain saw a broadcast")
	}
	// The initiator's coins came back.
	if balance := h.availableBalance(h.a); balance != 17 {
		t.Errorf("initiator balance = %d, want 17", balance)
	}
}

func TestRefundAfterPeerSilence(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	// Negotiate up to the lock broadcast without mining, then the responder
	// goes silent; the lock still confirms but no second-chain lock follows.
	for i := 0; i < 8; i++ {
		h.step(false)
	}
	view, err := h.a.driver.View(txID)
	if err != nil {
		t.Fatal(err)
	}
	if view.State != StateLockBroadcast.String() {
		t.Fatalf("initiator state = %s, want lock-broadcast", view.State)
	}
	h.b.frozen = true

	// Roll the native chain past the refund height.
	for i := 0; i < int(chain.LockTimeBlocks)+10; i++ {
		h.step(true)
	}

	status, reason := h.status(h.a, txID)
	if status != storage.TxStatusFailed || reason != string(FailureRefunded) {
		t.Fatalf("initiator = %s/%s, want failed/refunded", status, reason)
	}
	// Everything except the lock kernel fee came back.
	if balance := h.availableBalance(h.a); balance != 16 {
		t.Errorf("initiator balance = %d, want 16 (17 minus lock fee)", balance)
	}
}

func TestRestartResumesSwap(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	// Negotiate lock and refund without mining: both sides hold the
	// pre-signed refund and the lock sits unconfirmed.
	for i := 0; i < 8; i++ {
		h.step(false)
	}
	view, err := h.a.driver.View(txID)
	if err != nil {
		t.Fatal(err)
	}
	if view.State != StateLockBroadcast.String() {
		t.Fatalf("initiator state before restart = %s, want lock-broadcast", view.State)
	}

	// "Kill" both wallets: fresh drivers over the same storage.
	h.a.driver = h.newDriver(h.a, h.b)
	h.b.driver = h.newDriver(h.b, h.a)
	if err := h.a.driver.Rehydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.b.driver.Rehydrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.run(40)

	if status, reason := h.status(h.a, txID); status != storage.TxStatusCompleted {
		t.Fatalf("initiator after restart = %s/%s, want completed", status, reason)
	}
	if status, reason := h.status(h.b, txID); status != storage.TxStatusCompleted {
		t.Fatalf("responder after restart = %s/%s, want completed", status, reason)
	}
}

func TestByzantineAmountChange(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	// Drop the honest acceptance and inject a mutated amount instead.
	h.a.inbox = nil
	packet, err := DecodeToken(token)
	if err != nil {
		t.Fatal(err)
	}
	var evil Packet
	evil.TxID = packet.TxID
	evil.Version = ProtoVersion
	evil.AddUint64(params.IDAmount, params.SubTxDefault, 4)

	if err := h.a.driver.HandleMessage(context.Background(), evil.Serialize()); err != nil {
		t.Fatalf("HandleMessage returned transport error: %v", err)
	}

	status, reason := h.status(h.a, txID)
	if status != storage.TxStatusFailed || reason != string(FailureInvalidParameter) {
		t.Fatalf("initiator = %s/%s, want failed/invalid_parameter", status, reason)
	}
	if h.chainB.lockBroadcastCount() != 0 {
		t.Error("second chain saw a broadcast")
	}
	// Reserved inputs returned to the pool.
	if balance := h.availableBalance(h.a); balance != 17 {
		t.Errorf("initiator balance = %d, want 17", balance)
	}
}

func TestCancelRefusedAfterBroadcast(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}

	// Pre-broadcast cancellation succeeds.
	if err := h.a.driver.Cancel(context.Background(), txID); err != nil {
		t.Fatalf("pre-lock cancel failed: %v", err)
	}
	if status, reason := h.status(h.a, txID); status != storage.TxStatusCancelled || reason != string(FailureCancelled) {
		t.Fatalf("cancelled swap = %s/%s", status, reason)
	}

	// A new swap that reaches broadcast refuses cancellation.
	txID2, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		h.step(true)
	}
	if err := h.a.driver.Cancel(context.Background(), txID2); !errors.Is(err, ErrCancelRefused) {
		t.Fatalf("post-broadcast cancel = %v, want ErrCancelRefused", err)
	}
}

func TestRefundHeightInvariant(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	txID, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	h.run(40)

	for _, p := range []*testPeer{h.a, h.b} {
		store := params.NewStore(p.store, txID)
		lockMin, err := store.MustUint64(params.IDMinHeight, params.SubTxBeamLock)
		if err != nil {
			t.Fatal(err)
		}
		refundMin, err := store.MustUint64(params.IDMinHeight, params.SubTxBeamRefund)
		if err != nil {
			t.Fatal(err)
		}
		if refundMin-lockMin != chain.LockTimeBlocks {
			t.Errorf("%s: refund-lock distance = %d, want %d", p.name, refundMin-lockMin, chain.LockTimeBlocks)
		}
		redeemMin, err := store.MustUint64(params.IDMinHeight, params.SubTxBeamRedeem)
		if err != nil {
			t.Fatal(err)
		}
		if redeemMin != lockMin {
			t.Errorf("%s: redeem min height %d != lock min height %d", p.name, redeemMin, lockMin)
		}
	}
}

func TestOfferTokenRoundTripAcrossPeers(t *testing.T) {
	h := newHarness(t)
	h.fund(h.a, 5, 2, 1, 9)

	_, token, err := h.a.driver.CreateOffer(context.Background(), defaultOffer(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.b.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	// Transport is byte-transparent: decode + re-encode is identical.
	packet, err := DecodeToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if packet.EncodeToken() != token {
		t.Fatal("token not stable under decode/encode")
	}

	// A second responder importing the same token derives the identical
	// parameter bag.
	c := h.newPeer("peer-c", mnemonicB)
	c.driver = h.newDriver(c, h.a)
	if _, err := c.driver.AcceptOffer(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	txID := packet.TxIDHex()
	for _, entry := range []struct {
		id    params.ID
		subTx params.SubTxID
	}{
		{params.IDAmount, params.SubTxDefault},
		{params.IDFee, params.SubTxDefault},
		{params.IDAtomicSwapAmount, params.SubTxDefault},
		{params.IDMinHeight, params.SubTxBeamLock},
		{params.IDPreImageHash, params.SubTxBeamRedeem},
	} {
		bRaw, okB, err := params.NewStore(h.b.store, txID).GetBytes(entry.id, entry.subTx)
		if err != nil {
			t.Fatal(err)
		}
		cRaw, okC, err := params.NewStore(c.store, txID).GetBytes(entry.id, entry.subTx)
		if err != nil {
			t.Fatal(err)
		}
		if okB != okC || string(bRaw) != string(cRaw) {
			t.Errorf("param %d/%d differs across responders", entry.id, entry.subTx)
		}
	}
}
