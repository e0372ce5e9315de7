package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EthereumSigner signs with the slot key used as a secp256k1 private key.
//
// With a ChainID, txData is a binary encoded unsigned transaction and the
// signed transaction is returned in the same encoding. Without one, txData is
// an arbitrary message and the result is the 65-byte recoverable signature of
// its keccak256 hash.
type EthereumSigner struct {
	ChainID *big.Int
}

func NewEthereumSigner(chainID *big.Int) *EthereumSigner {
	return &EthereumSigner{ChainID: chainID}
}

func (s *EthereumSigner) Sign(ctx context.Context, secret []byte, txData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(txData) == 0 {
		return nil, errors.New("nothing to sign")
	}

	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid slot key: %w", err)
	}
	defer key.D.SetInt64(0)

	if s.ChainID == nil {
		return crypto.Sign(crypto.Keccak256(txData), key)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(txData); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed.MarshalBinary()
}
