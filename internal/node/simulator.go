// Package node - in-process chain simulator.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/pkg/logging"
)

// Simulator is an in-memory native chain: it maintains a UTXO set of
// commitments, validates registered transactions and confirms their kernels
// one block later. Tests and local demo wiring drive it by producing blocks.
type Simulator struct {
	mu sync.Mutex

	height  uint64
	utxos   map[string]bool
	kernels map[[32]byte]*KernelProof

	// transactions accepted but not yet mined
	mempool []*mw.Transaction

	subscribers []chan TipEvent
	log         *logging.Logger
}

// NewSimulator creates an empty simulated chain at height 1.
func NewSimulator() *Simulator {
	return &Simulator{
		height:  1,
		utxos:   make(map[string]bool),
		kernels: make(map[[32]byte]*KernelProof),
		log:     logging.GetDefault().Component("sim-node"),
	}
}

// TipHeight returns the current tip height.
func (s *Simulator) TipHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// SubscribeTip registers a tip update channel.
func (s *Simulator) SubscribeTip() <-chan TipEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan TipEvent, 64)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// AddUTXO seeds the UTXO set with a commitment. Used to fund wallets.
func (s *Simulator) AddUTXO(commitment *mw.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos[hex.EncodeToString(commitment.Serialize())] = true
}

// HasUTXO reports whether a commitment is unspent.
func (s *Simulator) HasUTXO(commitment *mw.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utxos[hex.EncodeToString(commitment.Serialize())]
}

// RegisterTransaction validates a transaction against the current tip and
// UTXO set and accepts it into the mempool.
func (s *Simulator) RegisterTransaction(_ context.Context, tx *mw.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.height + 1
	if tx.Kernel == nil {
		return fmt.Errorf("%w: no kernel", ErrRejected)
	}
	if next < tx.Kernel.MinHeight {
		return fmt.Errorf("%w: height %d < min %d", ErrTooEarly, next, tx.Kernel.MinHeight)
	}
	if tx.Kernel.MaxHeight != 0 && next > tx.Kernel.MaxHeight {
		return fmt.Errorf("%w: height %d > max %d", ErrExpired, next, tx.Kernel.MaxHeight)
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	for _, in := range tx.Inputs {
		if !s.utxos[hex.EncodeToString(in.Commitment.Serialize())] {
			return ErrSpentInput
		}
	}

	// Consume inputs immediately so a conflicting spend is rejected while the
	// transaction waits in the mempool.
	for _, in := range tx.Inputs {
		delete(s.utxos, hex.EncodeToString(in.Commitment.Serialize()))
	}
	s.mempool = append(s.mempool, tx)
	s.log.Debug("Transaction accepted", "kernel", fmt.Sprintf("%x", tx.Kernel.ID()))
	return nil
}

// ConfirmKernel returns the confirmation proof of a mined kernel.
func (s *Simulator) ConfirmKernel(_ context.Context, kernelID [32]byte) (*KernelProof, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.kernels[kernelID]
	return proof, ok, nil
}

// ProduceBlocks mines n blocks, including any mempool transactions in the
// first, and notifies tip subscribers.
func (s *Simulator) ProduceBlocks(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		s.height++
		for _, tx := range s.mempool {
			for _, out := range tx.Outputs {
				s.utxos[hex.EncodeToString(out.Commitment.Serialize())] = true
			}
			id := tx.Kernel.ID()
			s.kernels[id] = &KernelProof{Height: s.height, Preimage: tx.Preimage}
		}
		s.mempool = nil
		event := TipEvent{Height: s.height}
		subs := append([]chan TipEvent(nil), s.subscribers...)
		s.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
	}
}
