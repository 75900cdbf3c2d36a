// Package swap - the per-wallet swap driver.
package swap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/node"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/secondside"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/internal/wallet"
	"github.com/2miners/beam/pkg/helpers"
	"github.com/2miners/beam/pkg/logging"
)

// Endpoint delivers peer messages. The secure channel itself is external;
// the driver only needs a send capability.
type Endpoint interface {
	Send(peerID string, payload []byte) error
}

// Config wires the driver's collaborators.
type Config struct {
	Store    *storage.Storage
	Wallet   *wallet.Wallet
	Node     node.Interface
	Endpoint Endpoint

	// Sides holds the second-side implementation per coin.
	Sides map[chain.Coin]secondside.SecondSide
	// SideSettings holds the corresponding connection settings.
	SideSettings map[chain.Coin]secondside.Settings

	// LifetimeBlocks is the default lock lifetime for new offers.
	LifetimeBlocks uint64
}

// retryState tracks exponential backoff of one second-side action.
type retryState struct {
	attempts int
	nextAt   time.Time
}

// Driver runs the atomic swap state machine for every in-flight transaction
// of one wallet. All transitions execute on the caller's goroutine: the
// daemon pumps it from a single event loop, tests call the entry points
// directly.
type Driver struct {
	store        *storage.Storage
	wallet       *wallet.Wallet
	node         node.Interface
	endpoint     Endpoint
	sides        map[chain.Coin]secondside.SecondSide
	sideSettings map[chain.Coin]secondside.Settings
	lifetime     uint64

	retries map[string]*retryState

	log *logging.Logger
}

// NewDriver creates a swap driver.
func NewDriver(cfg *Config) *Driver {
	lifetime := cfg.LifetimeBlocks
	if lifetime == 0 {
		lifetime = chain.DefaultLifetimeBlocks
	}
	return &Driver{
		store:        cfg.Store,
		wallet:       cfg.Wallet,
		node:         cfg.Node,
		endpoint:     cfg.Endpoint,
		sides:        cfg.Sides,
		sideSettings: cfg.SideSettings,
		lifetime:     lifetime,
		retries:      make(map[string]*retryState),
		log:          logging.GetDefault().Component("swap"),
	}
}

// Run pumps the event loop until the context ends: tip updates and a slow
// poll ticker wake every active swap.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Rehydrate(ctx); err != nil {
		return err
	}

	tips := d.node.SubscribeTip()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-tips:
			if !ok {
				return node.ErrConnection
			}
			d.UpdateAll(ctx)
		case <-ticker.C:
			d.UpdateAll(ctx)
		}
	}
}

// Rehydrate reloads every in-flight transaction from storage and resumes it
// from its persisted cursor.
func (d *Driver) Rehydrate(ctx context.Context) error {
	recs, err := d.store.ListActiveTransactions()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Type != storage.TxTypeAtomicSwap {
			continue
		}
		d.log.Info("Resuming swap", "tx_id", rec.TxID)
		if err := d.Update(ctx, rec.TxID); err != nil {
			d.log.Error("Resume failed", "tx_id", rec.TxID, "error", err)
		}
	}
	return nil
}

// UpdateAll wakes every in-flight swap.
func (d *Driver) UpdateAll(ctx context.Context) {
	recs, err := d.store.ListActiveTransactions()
	if err != nil {
		d.log.Error("Failed to list transactions", "error", err)
		return
	}
	for _, rec := range recs {
		if rec.Type != storage.TxTypeAtomicSwap {
			continue
		}
		if err := d.Update(ctx, rec.TxID); err != nil {
			d.log.Error("Swap update failed", "tx_id", rec.TxID, "error", err)
		}
	}
}

// =============================================================================
// Offer creation and acceptance
// =============================================================================

// OfferParams describes a new swap offer.
type OfferParams struct {
	Amount     uint64 // native-chain value
	Fee        uint64 // native-chain kernel fee
	SwapCoin   chain.Coin
	SwapAmount uint64 // second-chain value
	IsBeamSide bool   // we send the native coin
	PeerID     string // responder wallet id
	MyID       string
	Expiry     chain.OfferExpiry
	Lifetime   uint64 // lock lifetime in blocks; 0 uses the configured default
}

// CreateOffer builds a new swap as initiator and returns the transaction id
// and the base64 token for the responder.
func (d *Driver) CreateOffer(ctx context.Context, o *OfferParams) (string, string, error) {
	if _, ok := d.sides[o.SwapCoin]; !ok {
		return "", "", ErrNoSecondSide
	}

	rawID, err := helpers.GenerateSecureRandom(TxIDSize)
	if err != nil {
		return "", "", err
	}
	txID := hex.EncodeToString(rawID)

	lifetime := o.Lifetime
	if lifetime == 0 {
		lifetime = d.lifetime
	}

	rec := &storage.TransactionRecord{
		TxID:        txID,
		Type:        storage.TxTypeAtomicSwap,
		IsInitiator: true,
		Status:      storage.TxStatusInProgress,
	}
	if err := d.store.CreateTransaction(rec); err != nil {
		return "", "", err
	}

	store := params.NewStore(d.store, txID)
	minHeight := d.node.TipHeight()
	createTime := uint64(time.Now().Unix())

	preImage, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return "", "", err
	}
	preImageHash := sha256.Sum256(preImage)

	setters := []func() error{
		func() error {
			return store.SetUint32(params.IDTransactionType, params.SubTxDefault, uint32(storage.TxTypeAtomicSwap))
		},
		func() error { return store.SetBool(params.IDIsInitiator, params.SubTxDefault, true) },
		func() error { return store.SetBool(params.IDAtomicSwapIsBeamSide, params.SubTxDefault, o.IsBeamSide) },
		func() error { return store.SetUint64(params.IDAmount, params.SubTxDefault, o.Amount) },
		func() error { return store.SetUint64(params.IDFee, params.SubTxDefault, o.Fee) },
		func() error { return store.SetUint32(params.IDAtomicSwapCoin, params.SubTxDefault, uint32(o.SwapCoin)) },
		func() error { return store.SetUint64(params.IDAtomicSwapAmount, params.SubTxDefault, o.SwapAmount) },
		func() error { return store.SetString(params.IDPeerID, params.SubTxDefault, o.PeerID) },
		func() error { return store.SetString(params.IDMyID, params.SubTxDefault, o.MyID) },
		func() error { return store.SetUint64(params.IDLifetime, params.SubTxDefault, lifetime) },
		func() error { return store.SetUint64(params.IDCreateTime, params.SubTxDefault, createTime) },
		func() error { return store.SetUint64(params.IDOfferExpires, params.SubTxDefault, o.Expiry.Blocks()) },
		func() error { return store.SetUint64(params.IDMinHeight, params.SubTxBeamLock, minHeight) },
		func() error { return store.SetUint64(params.IDMaxHeight, params.SubTxBeamLock, minHeight+lifetime) },
		func() error { return store.Set(params.IDPreImage, params.SubTxBeamRedeem, preImage) },
		func() error { return store.Set(params.IDPreImageHash, params.SubTxBeamRedeem, preImageHash[:]) },
	}
	for _, set := range setters {
		if err := set(); err != nil {
			return "", "", err
		}
	}

	// Prepare our lock shares so the token can carry them.
	lock := d.lockBuilder(store, o.Amount, o.Fee)
	if err := lock.EnsureSharedBlinding(); err != nil {
		return "", "", err
	}
	if _, err := lock.LoadInitialParams(); err != nil {
		return "", "", err
	}
	if err := lock.CreateKernel(); err != nil {
		return "", "", err
	}
	sharedPub, err := lock.PublicSharedBlinding()
	if err != nil {
		return "", "", err
	}

	swapKey, err := d.wallet.SwapKey(txID)
	if err != nil {
		return "", "", err
	}

	var packet Packet
	copy(packet.TxID[:], rawID)
	packet.Version = ProtoVersion
	packet.AddUint32(params.IDTransactionType, params.SubTxDefault, uint32(storage.TxTypeAtomicSwap))
	packet.AddBool(params.IDIsInitiator, params.SubTxDefault, true)
	packet.AddBool(params.IDAtomicSwapIsBeamSide, params.SubTxDefault, o.IsBeamSide)
	packet.AddUint64(params.IDAmount, params.SubTxDefault, o.Amount)
	packet.AddUint64(params.IDFee, params.SubTxDefault, o.Fee)
	packet.AddUint32(params.IDAtomicSwapCoin, params.SubTxDefault, uint32(o.SwapCoin))
	packet.AddUint64(params.IDAtomicSwapAmount, params.SubTxDefault, o.SwapAmount)
	packet.Add(params.IDPeerID, params.SubTxDefault, []byte(o.PeerID))
	packet.Add(params.IDMyID, params.SubTxDefault, []byte(o.MyID))
	packet.AddUint32(params.IDPeerProtoVersion, params.SubTxDefault, ProtoVersion)
	packet.AddUint64(params.IDLifetime, params.SubTxDefault, lifetime)
	packet.AddUint64(params.IDCreateTime, params.SubTxDefault, createTime)
	packet.AddUint64(params.IDOfferExpires, params.SubTxDefault, o.Expiry.Blocks())
	packet.AddUint64(params.IDMinHeight, params.SubTxBeamLock, minHeight)
	packet.Add(params.IDAtomicSwapPublicKey, params.SubTxDefault, swapKey.PubKey().SerializeCompressed())
	packet.Add(params.IDPeerPublicExcess, params.SubTxBeamLock, lock.PublicExcess().Serialize())
	packet.Add(params.IDPeerPublicNonce, params.SubTxBeamLock, lock.PublicNonce().Serialize())
	packet.Add(params.IDPeerPublicSharedBlindingFactor, params.SubTxBeamLock, sharedPub.Serialize())
	packet.Add(params.IDPreImageHash, params.SubTxBeamRedeem, preImageHash[:])

	if err := store.SetState(params.SubTxBeamLock, uint32(SubTxInvitation)); err != nil {
		return "", "", err
	}
	if err := d.setGlobalState(store, StateInitial); err != nil {
		return "", "", err
	}

	d.log.Info("Swap offer created", "tx_id", txID, "amount", o.Amount, "swap_amount", o.SwapAmount,
		"coin", o.SwapCoin.String(), "beam_side", o.IsBeamSide)
	return txID, packet.EncodeToken(), nil
}

// requiredOfferEntries lists what an offer token must carry.
var requiredOfferEntries = []struct {
	id    params.ID
	subTx params.SubTxID
}{
	{params.IDTransactionType, params.SubTxDefault},
	{params.IDIsInitiator, params.SubTxDefault},
	{params.IDPeerID, params.SubTxDefault},
	{params.IDMyID, params.SubTxDefault},
	{params.IDAmount, params.SubTxDefault},
	{params.IDFee, params.SubTxDefault},
	{params.IDAtomicSwapIsBeamSide, params.SubTxDefault},
	{params.IDAtomicSwapCoin, params.SubTxDefault},
	{params.IDAtomicSwapAmount, params.SubTxDefault},
	{params.IDAtomicSwapPublicKey, params.SubTxDefault},
	{params.IDLifetime, params.SubTxDefault},
	{params.IDMinHeight, params.SubTxBeamLock},
	{params.IDPeerPublicExcess, params.SubTxBeamLock},
	{params.IDPeerPublicNonce, params.SubTxBeamLock},
	{params.IDPeerPublicSharedBlindingFactor, params.SubTxBeamLock},
	{params.IDPreImageHash, params.SubTxBeamRedeem},
}

// AcceptOffer imports a transaction token as responder, validates it, and
// replies with our lock shares.
func (d *Driver) AcceptOffer(ctx context.Context, token string) (string, error) {
	packet, err := DecodeToken(token)
	if err != nil {
		return "", err
	}
	if packet.Version != ProtoVersion {
		return "", fmt.Errorf("%w: protocol version %d", ErrInvalidToken, packet.Version)
	}
	for _, req := range requiredOfferEntries {
		if _, ok := packet.Get(req.id, req.subTx); !ok {
			return "", fmt.Errorf("%w: missing entry %d/%d", ErrInvalidToken, req.id, req.subTx)
		}
	}

	txID := packet.TxIDHex()
	if _, err := d.store.GetTransaction(txID); err == nil {
		return "", ErrAlreadyExists
	}

	// Offer expiry: the block count is authoritative; convert through the
	// native block interval.
	if raw, ok := packet.Get(params.IDCreateTime, params.SubTxDefault); ok && len(raw) == 8 {
		createTime := time.Unix(int64(beUint64(raw)), 0)
		expiryBlocks := chain.OfferExpiry12h.Blocks()
		if rawExp, ok := packet.Get(params.IDOfferExpires, params.SubTxDefault); ok && len(rawExp) == 8 {
			expiryBlocks = beUint64(rawExp)
		}
		if time.Now().After(createTime.Add(chain.NativeLockDuration(expiryBlocks))) {
			return "", ErrOfferExpired
		}
	}

	// Lock-time ordering: our second-chain refund must unlock strictly before
	// the native refund becomes spendable, or the peer could take both sides.
	coinRaw, _ := packet.Get(params.IDAtomicSwapCoin, params.SubTxDefault)
	if len(coinRaw) != 4 {
		return "", fmt.Errorf("%w: bad coin entry", ErrInvalidToken)
	}
	coin := chain.Coin(beUint32(coinRaw))
	settings, ok := d.sideSettings[coin]
	if !ok {
		return "", ErrNoSecondSide
	}
	swapLock, ok := chain.LockDuration(coin, settings.LockTimeBlocks)
	if !ok {
		return "", ErrNoSecondSide
	}
	if swapLock >= chain.NativeLockDuration(chain.LockTimeBlocks) {
		return "", ErrLockTimeOrder
	}

	rec := &storage.TransactionRecord{
		TxID:        txID,
		Type:        storage.TxTypeAtomicSwap,
		IsInitiator: false,
		Status:      storage.TxStatusInProgress,
	}
	if err := d.store.CreateTransaction(rec); err != nil {
		return "", err
	}

	store := params.NewStore(d.store, txID)
	if err := d.importOffer(store, packet); err != nil {
		return "", err
	}

	minHeight := beUint64(mustEntry(packet, params.IDMinHeight, params.SubTxBeamLock))
	lifetime := beUint64(mustEntry(packet, params.IDLifetime, params.SubTxDefault))
	if err := store.SetUint64(params.IDMaxHeight, params.SubTxBeamLock, minHeight+lifetime); err != nil {
		return "", err
	}

	amount := beUint64(mustEntry(packet, params.IDAmount, params.SubTxDefault))
	fee := beUint64(mustEntry(packet, params.IDFee, params.SubTxDefault))

	lock := d.lockBuilder(store, amount, fee)
	if err := lock.EnsureSharedBlinding(); err != nil {
		return "", err
	}
	if _, err := lock.LoadInitialParams(); err != nil {
		return "", err
	}
	if err := lock.CreateKernel(); err != nil {
		return "", err
	}
	sharedPub, err := lock.PublicSharedBlinding()
	if err != nil {
		return "", err
	}
	swapKey, err := d.wallet.SwapKey(txID)
	if err != nil {
		return "", err
	}

	var reply Packet
	copy(reply.TxID[:], packet.TxID[:])
	reply.Version = ProtoVersion
	reply.Add(params.IDPeerPublicExcess, params.SubTxBeamLock, lock.PublicExcess().Serialize())
	reply.Add(params.IDPeerPublicNonce, params.SubTxBeamLock, lock.PublicNonce().Serialize())
	reply.Add(params.IDPeerPublicSharedBlindingFactor, params.SubTxBeamLock, sharedPub.Serialize())
	reply.Add(params.IDAtomicSwapPeerPublicKey, params.SubTxDefault, swapKey.PubKey().SerializeCompressed())

	if err := store.SetState(params.SubTxBeamLock, uint32(SubTxSharedUtxoReady)); err != nil {
		return "", err
	}
	if err := d.setGlobalState(store, StateInvitation); err != nil {
		return "", err
	}

	peerID, _, err := store.GetString(params.IDPeerID, params.SubTxDefault)
	if err != nil {
		return "", err
	}
	if err := d.endpoint.Send(peerID, reply.Serialize()); err != nil {
		d.log.Warn("Failed to send acceptance", "tx_id", txID, "error", err)
	}

	d.log.Info("Swap offer accepted", "tx_id", txID, "amount", amount, "coin", coin.String())
	return txID, d.Update(ctx, txID)
}

// importOffer applies the token entries to the responder's store, flipping
// the role-relative fields.
func (d *Driver) importOffer(store *params.Store, packet *Packet) error {
	for _, e := range packet.Entries {
		id, subTx, value := e.ID, e.SubTx, e.Value
		switch e.ID {
		case params.IDIsInitiator, params.IDAtomicSwapIsBeamSide:
			if len(value) != 1 {
				return fmt.Errorf("%w: bad flag entry %d", ErrInvalidToken, e.ID)
			}
			flipped := byte(1)
			if value[0] != 0 {
				flipped = 0
			}
			value = []byte{flipped}
		case params.IDMyID:
			id = params.IDPeerID
		case params.IDPeerID:
			id = params.IDMyID
		case params.IDAtomicSwapPublicKey:
			id = params.IDAtomicSwapPeerPublicKey
		case params.IDPeerProtoVersion:
			// stored as received
		}
		if err := store.SetPeer(id, subTx, value); err != nil {
			return err
		}
	}
	return nil
}

// HandleMessage applies an incoming peer message and wakes the swap.
// Duplicate messages are idempotent; a whitelist violation or a changed
// value fails the swap.
func (d *Driver) HandleMessage(ctx context.Context, payload []byte) error {
	packet, err := ParsePacket(payload)
	if err != nil {
		return err
	}
	txID := packet.TxIDHex()
	if _, err := d.store.GetTransaction(txID); err != nil {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, txID)
	}

	store := params.NewStore(d.store, txID)
	for _, e := range packet.Entries {
		if err := store.SetPeer(e.ID, e.SubTx, e.Value); err != nil {
			if errors.Is(err, params.ErrInvalidParameter) {
				d.log.Error("Peer sent invalid parameter", "tx_id", txID, "param", e.ID, "sub_tx", e.SubTx)
				return d.fail(store, FailureInvalidParameter)
			}
			return err
		}
	}
	return d.Update(ctx, txID)
}

// Cancel aborts a swap from the UI. Refused once any lock is broadcast.
func (d *Driver) Cancel(ctx context.Context, txID string) error {
	store := params.NewStore(d.store, txID)
	state, err := d.globalState(store)
	if err != nil {
		return err
	}
	switch state {
	case StateInitial, StateInvitation, StateBuildingLock:
		d.log.Info("Swap cancelled", "tx_id", txID)
		return d.terminate(store, StateCancelled, FailureCancelled)
	default:
		return ErrCancelRefused
	}
}

// =============================================================================
// Shared helpers
// =============================================================================

func (d *Driver) globalState(store *params.Store) (GlobalState, error) {
	v, err := store.GetState(params.SubTxDefault)
	return GlobalState(v), err
}

func (d *Driver) setGlobalState(store *params.Store, state GlobalState) error {
	return store.SetState(params.SubTxDefault, uint32(state))
}

// fail terminates the swap with a failure reason.
func (d *Driver) fail(store *params.Store, reason FailureReason) error {
	return d.terminate(store, StateFailed, reason)
}

// terminate moves the swap into a terminal state, releasing reserved coins.
func (d *Driver) terminate(store *params.Store, state GlobalState, reason FailureReason) error {
	if err := d.setGlobalState(store, state); err != nil {
		return err
	}
	if state != StateCompleted {
		// Returns still-locked inputs to the pool and drops outputs that
		// never activated. After a confirmed refund this is a no-op.
		if err := d.wallet.ReleaseCoins(store.TxID()); err != nil {
			return err
		}
	}
	d.log.Info("Swap finished", "tx_id", store.TxID(), "state", state.String(), "reason", string(reason))
	return d.store.UpdateTransactionStatus(store.TxID(), storageStatus(state), string(reason))
}

// send transmits a message packet to the peer.
func (d *Driver) send(store *params.Store, packet *Packet) error {
	rawID, err := hex.DecodeString(store.TxID())
	if err != nil {
		return err
	}
	copy(packet.TxID[:], rawID)
	packet.Version = ProtoVersion
	peerID, _, err := store.GetString(params.IDPeerID, params.SubTxDefault)
	if err != nil {
		return err
	}
	return d.endpoint.Send(peerID, packet.Serialize())
}

// sideCall runs a second-side action with retry accounting. Transient
// failures back off exponentially; after the retry limit the swap fails.
func (d *Driver) sideCall(store *params.Store, action string, fn func() error) (bool, error) {
	key := store.TxID() + "/" + action
	rs := d.retries[key]
	if rs != nil && time.Now().Before(rs.nextAt) {
		return false, nil
	}

	err := fn()
	if err == nil {
		delete(d.retries, key)
		return true, nil
	}

	if rs == nil {
		rs = &retryState{}
		d.retries[key] = rs
	}
	rs.attempts++
	if rs.attempts > secondSideRetryLimit {
		d.log.Error("Second side action exhausted retries", "tx_id", store.TxID(), "action", action, "error", err)
		return false, d.fail(store, FailureSecondSide)
	}
	backoff := 2 * time.Second << (rs.attempts - 1)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	rs.nextAt = time.Now().Add(backoff)
	d.log.Warn("Second side action failed, will retry", "tx_id", store.TxID(), "action", action,
		"attempt", rs.attempts, "error", err)
	return false, nil
}

func mustEntry(p *Packet, id params.ID, subTx params.SubTxID) []byte {
	v, _ := p.Get(id, subTx)
	return v
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beUint32(b []byte) uint32 {
	return uint32(beUint64(b))
}
