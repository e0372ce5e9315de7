package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const DefaultWalletMethod = "custody_sign"

// WalletRPCSigner forwards the reconstructed key and the transaction to a
// co-located wallet process over JSON-RPC. The wallet is expected to answer
// with the signature or the signed transaction, hex encoded.
type WalletRPCSigner struct {
	client *rpc.Client
	method string
}

func NewWalletRPCSigner(client *rpc.Client, method string) *WalletRPCSigner {
	if method == "" {
		method = DefaultWalletMethod
	}
	return &WalletRPCSigner{client: client, method: method}
}

// DialWalletRPC connects to the wallet at endpoint. IPC paths, http(s) and
// ws(s) URLs are accepted.
func DialWalletRPC(ctx context.Context, endpoint, method string) (*WalletRPCSigner, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial wallet: %w", err)
	}
	return NewWalletRPCSigner(client, method), nil
}

func (s *WalletRPCSigner) Sign(ctx context.Context, secret []byte, txData []byte) ([]byte, error) {
	var result hexutil.Bytes
	if err := s.client.CallContext(ctx, &result, s.method, hexutil.Bytes(secret), hexutil.Bytes(txData)); err != nil {
		return nil, fmt.Errorf("wallet call failed: %w", err)
	}
	if len(result) == 0 {
		return nil, errors.New("wallet returned an empty signature")
	}
	return result, nil
}

func (s *WalletRPCSigner) Close() {
	s.client.Close()
}
