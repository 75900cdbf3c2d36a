// Package node - websocket client for a remote native-chain node.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/pkg/logging"
)

// Client talks JSON over a websocket to the node. Requests carry ids and are
// matched to responses; tip updates arrive as unsolicited notifications.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn

	nextID  uint64
	pending map[uint64]chan *rpcResponse

	tipHeight   uint64
	subscribers []chan TipEvent

	log  *logging.Logger
	done chan struct{}
}

type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wireTx is the node's JSON encoding of a transaction.
type wireTx struct {
	Inputs   []string   `json:"inputs"`
	Outputs  []string   `json:"outputs"`
	Offset   string     `json:"offset"`
	Kernel   wireKernel `json:"kernel"`
	Preimage string     `json:"preimage,omitempty"`
}

type wireKernel struct {
	Fee       uint64 `json:"fee"`
	MinHeight uint64 `json:"min_height"`
	MaxHeight uint64 `json:"max_height"`
	Excess    string `json:"excess"`
	HashLock  string `json:"hash_lock,omitempty"`
	NoncePub  string `json:"nonce_pub"`
	SigK      string `json:"sig_k"`
}

// Dial connects to the node and starts the read loop.
func Dial(ctx context.Context, address string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *rpcResponse),
		log:     logging.GetDefault().Component("node"),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if err := c.call(ctx, "tip_subscribe", nil, nil); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error("Node connection lost", "error", err)
			}
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[uint64]chan *rpcResponse)
			for _, sub := range c.subscribers {
				close(sub)
			}
			c.subscribers = nil
			c.mu.Unlock()
			return
		}

		if resp.Method == "tip" {
			var tip TipEvent
			if err := json.Unmarshal(resp.Params, &tip); err != nil {
				c.log.Warn("Malformed tip notification", "error", err)
				continue
			}
			c.mu.Lock()
			c.tipHeight = tip.Height
			subs := append([]chan TipEvent(nil), c.subscribers...)
			c.mu.Unlock()
			for _, sub := range subs {
				select {
				case sub <- tip:
				default:
				}
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = encoded
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	err := c.conn.WriteJSON(&rpcRequest{ID: id, Method: method, Params: raw})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrConnection
		}
		if resp.Error != nil {
			return fmt.Errorf("%w: %s", ErrRejected, resp.Error.Message)
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

// TipHeight returns the last tip height received from the node.
func (c *Client) TipHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipHeight
}

// SubscribeTip registers a tip update channel.
func (c *Client) SubscribeTip() <-chan TipEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan TipEvent, 64)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// RegisterTransaction submits a transaction to the node.
func (c *Client) RegisterTransaction(ctx context.Context, tx *mw.Transaction) error {
	encoded := wireTx{
		Offset: hex.EncodeToString(mw.SerializeScalar(&tx.Offset)),
		Kernel: wireKernel{
			Fee:       tx.Kernel.Fee,
			MinHeight: tx.Kernel.MinHeight,
			MaxHeight: tx.Kernel.MaxHeight,
			Excess:    hex.EncodeToString(tx.Kernel.Excess.Serialize()),
			HashLock:  hex.EncodeToString(tx.Kernel.HashLock),
			NoncePub:  hex.EncodeToString(tx.Kernel.Signature.NoncePub.Serialize()),
			SigK:      hex.EncodeToString(mw.SerializeScalar(&tx.Kernel.Signature.K)),
		},
		Preimage: hex.EncodeToString(tx.Preimage),
	}
	for _, in := range tx.Inputs {
		encoded.Inputs = append(encoded.Inputs, hex.EncodeToString(in.Commitment.Serialize()))
	}
	for _, out := range tx.Outputs {
		encoded.Outputs = append(encoded.Outputs, hex.EncodeToString(out.Commitment.Serialize()))
	}
	return c.call(ctx, "register_tx", &encoded, nil)
}

// ConfirmKernel looks up a kernel confirmation proof.
func (c *Client) ConfirmKernel(ctx context.Context, kernelID [32]byte) (*KernelProof, bool, error) {
	req := struct {
		KernelID string `json:"kernel_id"`
	}{KernelID: hex.EncodeToString(kernelID[:])}

	var resp struct {
		Height   uint64 `json:"height"`
		Preimage string `json:"preimage,omitempty"`
	}
	if err := c.call(ctx, "confirm_kernel", &req, &resp); err != nil {
		return nil, false, err
	}
	if resp.Height == 0 {
		return nil, false, nil
	}
	preimage, err := hex.DecodeString(resp.Preimage)
	if err != nil {
		return nil, false, fmt.Errorf("bad preimage in proof: %w", err)
	}
	return &KernelProof{Height: resp.Height, Preimage: preimage}, true, nil
}
