package wallet

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Bridge codes returned by a remote signer.
const (
	CodeUserRejected = 4001
	CodeUnauthorized = 4100
	CodeDisconnected = 4900
)

// RemoteError is a non-refusal failure reported by the signing bridge.
type RemoteError struct {
	Status  int
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return "wallet bridge: " + e.Message
}

func (e *RemoteError) FailureCode() int      { return e.Code }
func (e *RemoteError) FailureLogs() []string { return nil }

type bridgeError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type accountResponse struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

type signRequest struct {
	Address     string `json:"address"`
	Transaction string `json:"transaction"`
}

type signResponse struct {
	Transaction string `json:"transaction"`
}

// Remote forwards signing to an HTTP wallet bridge where a person approves
// or declines each request.
type Remote struct {
	client    *resty.Client
	address   atomic.Value
	connected atomic.Bool
}

func NewRemote(baseURL string, timeout time.Duration) *Remote {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	r := &Remote{client: client}
	r.address.Store(solana.PublicKey{})
	return r
}

// Connect asks the bridge for the active account.
func (r *Remote) Connect(ctx context.Context) error {
	var out accountResponse
	var fail bridgeError
	resp, err := r.client.R().SetContext(ctx).SetResult(&out).SetError(&fail).Get("/v1/wallet")
	if err != nil {
		r.connected.Store(false)
		return errors.Wrap(err, "wallet bridge unreachable")
	}
	if resp.IsError() {
		r.connected.Store(false)
		return remoteFailure(resp.StatusCode(), fail)
	}
	pk, err := solana.PublicKeyFromBase58(out.Address)
	if err != nil {
		r.connected.Store(false)
		return errors.Wrap(err, "wallet bridge returned an invalid address")
	}
	r.address.Store(pk)
	r.connected.Store(out.Connected && !pk.IsZero())
	return nil
}

func (r *Remote) Address() solana.PublicKey {
	return r.address.Load().(solana.PublicKey)
}

func (r *Remote) IsConnected() bool {
	return r.connected.Load()
}

func (r *Remote) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	req := signRequest{Address: r.Address().String(), Transaction: encoded}

	var out signResponse
	var fail bridgeError
	resp, err := r.client.R().SetContext(ctx).SetBody(req).SetResult(&out).SetError(&fail).Post("/v1/wallet/sign")
	if err != nil {
		return nil, errors.Wrap(err, "wallet bridge unreachable")
	}
	if resp.IsError() {
		return nil, remoteFailure(resp.StatusCode(), fail)
	}

	signed, err := solana.TransactionFromBase64(out.Transaction)
	if err != nil {
		return nil, errors.Wrap(err, "wallet bridge returned an undecodable transaction")
	}
	if err := signed.VerifySignatures(); err != nil {
		return nil, errors.Wrap(err, "wallet bridge returned an invalid signature")
	}
	return signed, nil
}

func remoteFailure(status int, fail bridgeError) error {
	e := &RemoteError{Status: status, Message: http.StatusText(status)}
	if fail.Error != nil {
		e.Code = fail.Error.Code
		if fail.Error.Message != "" {
			e.Message = fail.Error.Message
		}
	}
	if status == http.StatusForbidden || e.Code == CodeUserRejected {
		return errors.Wrap(ErrUserRejected, e.Message)
	}
	if status == http.StatusUnauthorized && e.Code == 0 {
		e.Code = CodeUnauthorized
	}
	return e
}
