package chain

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return errors.Wrapf(err, "ws dial %s", c.Endpoint)
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) SubscribeSignature(sig solana.Signature, commitment rpc.CommitmentType) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "signatureSubscribe",
		"params": []any{
			sig.String(),
			map[string]any{"commitment": string(commitment)},
		},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseSignatureNotification reports whether msg is a signatureNotification
// and, if so, the execution error it carries (nil on success). Subscription
// acknowledgements return ok=false.
func ParseSignatureNotification(msg []byte) (execErr interface{}, ok bool, err error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value json.RawMessage `json:"value"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, errors.Wrap(err, "decode ws message")
	}
	if env.Error != nil {
		return nil, false, errors.Errorf("ws error %d: %s", env.Error.Code, env.Error.Message)
	}
	if env.Method != "signatureNotification" {
		return nil, false, nil
	}

	var value struct {
		Err interface{} `json:"err"`
	}
	if len(env.Params.Result.Value) > 0 {
		if err := json.Unmarshal(env.Params.Result.Value, &value); err != nil {
			// "receivedSignature" notifications carry a bare string value.
			return nil, false, nil
		}
	}
	return value.Err, true, nil
}

// WSConfirmer turns signatureSubscribe notifications into a one-shot
// channel. Endpoints are tried in order; the last one that connected is
// preferred next time.
type WSConfirmer struct {
	endpoints []string
	mu        sync.Mutex
	index     int
}

func NewWSConfirmer(endpoints []string) *WSConfirmer {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil
	}
	return &WSConfirmer{endpoints: list}
}

// Watch delivers exactly one value and closes: nil when sig is confirmed
// without error, *ExecutionError when it failed on-ledger, or the transport
// error that ended the subscription.
func (w *WSConfirmer) Watch(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- w.watch(ctx, sig, commitment)
	}()
	return out
}

func (w *WSConfirmer) watch(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error {
	client, err := w.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	if err := client.SubscribeSignature(sig, commitment); err != nil {
		return errors.Wrap(err, "ws subscribe")
	}
	for {
		msg, err := client.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "ws read")
		}
		execErr, ok, err := ParseSignatureNotification(msg)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if execErr != nil {
			return &ExecutionError{Signature: sig.String(), Detail: execErr}
		}
		return nil
	}
}

func (w *WSConfirmer) connect(ctx context.Context) (*WSClient, error) {
	w.mu.Lock()
	start := w.index
	w.mu.Unlock()

	var lastErr error
	for i := 0; i < len(w.endpoints); i++ {
		idx := (start + i) % len(w.endpoints)
		client := NewWSClient(w.endpoints[idx])
		if err := client.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		w.mu.Lock()
		w.index = idx
		w.mu.Unlock()
		return client, nil
	}
	return nil, lastErr
}
