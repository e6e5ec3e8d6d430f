package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/onramp/internal/classify"
	"github.com/alanyoungcy/onramp/internal/domain"
)

// gasHeadroom pads node gas estimates (percent).
const gasHeadroom = 120

// submission is the outcome of one signed transaction.
type submission struct {
	hash      string
	broadcast bool
	err       *domain.ChainError
}

// submit signs and sends a transaction from the hub and waits for a success
// receipt. A receipt with status 0 is a failure even though no error was
// returned by the node.
func (e *Executor) submit(ctx context.Context, op string, to common.Address, value *big.Int, data []byte) submission {
	if value == nil {
		value = new(big.Int)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	gasPrice, err := e.backend.SuggestGasPrice(rctx)
	if err != nil {
		return submission{err: normalize(op, err)}
	}
	if e.cfg.MaxGasPrice != nil && gasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return submission{err: &domain.ChainError{
			Kind: domain.KindNetworkError, Op: op, Retryable: true,
			Message: fmt.Sprintf("gas price %s wei exceeds ceiling %s wei", gasPrice, e.cfg.MaxGasPrice),
		}}
	}

	nonce, err := e.backend.PendingNonceAt(rctx, e.hub)
	if err != nil {
		return submission{err: normalize(op, err)}
	}
	gas, err := e.backend.EstimateGas(rctx, callMsg(e.hub, to, value, data))
	if err != nil {
		return submission{err: normalize(op, err)}
	}
	if len(data) > 0 {
		gas = gas * gasHeadroom / 100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		return submission{err: normalize(op, err)}
	}
	if err := e.backend.SendTransaction(rctx, signed); err != nil {
		return submission{err: normalize(op, err)}
	}

	hash := signed.Hash().Hex()
	e.logger.Debug("transaction sent", slog.String("op", op), slog.String("tx_hash", hash), slog.Uint64("nonce", nonce))

	receipt, err := e.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return submission{hash: hash, broadcast: true, err: normalize(op, err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return submission{hash: hash, broadcast: true, err: &domain.ChainError{
			Kind: domain.KindTransactionFailed, Op: op,
			Message: fmt.Sprintf("transaction %s reverted (receipt status 0)", hash),
		}}
	}
	return submission{hash: hash, broadcast: true}
}

// waitReceipt polls for the receipt of hash until ReceiptTimeout elapses.
func (e *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug("receipt poll failed", slog.String("tx_hash", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func callMsg(from, to common.Address, value *big.Int, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
}

// normalize turns any error raised at this boundary into a ChainError.
func normalize(op string, err error) *domain.ChainError {
	ce := classify.FromError(err)
	if ce.Op == "" {
		ce.Op = op
	}
	return &ce
}
