package chain

import (
	"context"
	"net"
	"testing"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/payerr"
)

func TestDefaultWSEndpoint(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8900", DefaultWSEndpoint("http://127.0.0.1:8899"))
	assert.Equal(t, "wss://api.devnet.solana.com", DefaultWSEndpoint("https://api.devnet.solana.com/"))
	assert.Equal(t, "wss://node.example/ws", DefaultWSEndpoint("wss://node.example/ws"))
	assert.Equal(t, "", DefaultWSEndpoint("ftp://node.example"))
	assert.Equal(t, []string{"ws://a:8900"}, DefaultWSEndpoints([]string{"http://a:8899", "bogus"}))
}

func TestSanitizeEndpoints(t *testing.T) {
	got := sanitizeEndpoints([]string{" http://a/ ", "http://a", "", "http://b"})
	assert.Equal(t, []string{"http://a", "http://b"}, got)
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, isTransportError(jsonrpc.NewHTTPError(503, errors.New("unavailable"))))
	assert.False(t, isTransportError(errors.Wrap(&jsonrpc.RPCError{Code: -32002, Message: "preflight"}, "send")))
	assert.False(t, isTransportError(context.Canceled))
}

func TestMultiRPCRotatesOnTransportFailure(t *testing.T) {
	m, err := NewMultiRPCClient([]string{"http://a:8899", "http://b:8899"}, 1)
	require.NoError(t, err)

	calls := 0
	out, err := call(context.Background(), m, func(_ *rpc.Client) (int, error) {
		calls++
		if calls == 1 {
			return 0, &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out)
	assert.Equal(t, "http://b:8899", m.BaseURL())
}

func TestMultiRPCDoesNotRotateOnNodeAnswer(t *testing.T) {
	m, err := NewMultiRPCClient([]string{"http://a:8899", "http://b:8899"}, 1)
	require.NoError(t, err)

	calls := 0
	_, err = call(context.Background(), m, func(_ *rpc.Client) (int, error) {
		calls++
		return 0, &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "http://a:8899", m.BaseURL())
	assert.Equal(t, payerr.CodeBlockhashExpired, payerr.Classify(err).Code)
}

func TestParseSignatureNotification(t *testing.T) {
	ack := []byte(`{"jsonrpc":"2.0","result":23784,"id":1}`)
	_, ok, err := ParseSignatureNotification(ack)
	require.NoError(t, err)
	assert.False(t, ok)

	success := []byte(`{"jsonrpc":"2.0","method":"signatureNotification","params":{"result":{"context":{"slot":5207624},"value":{"err":null}},"subscription":24006}}`)
	execErr, ok, err := ParseSignatureNotification(success)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, execErr)

	failed := []byte(`{"jsonrpc":"2.0","method":"signatureNotification","params":{"result":{"context":{"slot":5207624},"value":{"err":{"InstructionError":[2,{"Custom":1}]}}},"subscription":24006}}`)
	execErr, ok, err = ParseSignatureNotification(failed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, execErr)

	_, _, err = ParseSignatureNotification([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params"},"id":1}`))
	assert.Error(t, err)
}

func TestLedgerErrorsClassify(t *testing.T) {
	expired := &ExpiredError{Signature: "abc", LastValidBlockHeight: 10}
	assert.Equal(t, payerr.CodeBlockhashExpired, payerr.Classify(expired).Code)

	failed := &ExecutionError{Signature: "abc", Detail: map[string]interface{}{"InstructionError": []interface{}{0, "InvalidAccountData"}}}
	pe := payerr.Classify(failed)
	assert.Equal(t, payerr.BlockchainError, pe.Category)
	assert.Equal(t, payerr.CodeExecutionFailed, pe.Code)
}
