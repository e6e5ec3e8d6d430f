// Package chain performs the on-chain side of a Position against one EVM
// chain: native gas funding, ERC-20 approval, and lending or vault deposits
// from the hub account. Every failure leaves this package as a normalized
// domain.ChainError.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/onramp/internal/domain"
)

// Kind selects the deposit ABI of a Target.
type Kind string

const (
	KindLending Kind = "lending"
	KindVault   Kind = "vault"
)

// Target is one configured deposit destination.
type Target struct {
	Name     string
	Kind     Kind
	Contract common.Address
	// CapToken is the receipt token whose totalSupply is compared against
	// SupplyCap for lending targets.
	CapToken common.Address
	// SupplyCap is in asset base units; nil disables the lending cap check.
	SupplyCap  *big.Int
	MinDeposit decimal.Decimal
}

// Config holds the chain parameters of an Executor.
type Config struct {
	ChainName      string
	ChainID        *big.Int
	Asset          string
	AssetAddress   common.Address
	AssetDecimals  int32
	MaxGasPrice    *big.Int
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Targets        []Target
}

// Executor implements domain.ChainExecutor for the hub account.
type Executor struct {
	backend Backend
	key     *ecdsa.PrivateKey
	hub     common.Address
	signer  types.Signer
	cfg     Config
	targets map[string]Target
	logger  *slog.Logger
}

// NewExecutor validates cfg and builds an Executor signing with key.
func NewExecutor(backend Backend, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Executor, error) {
	if backend == nil || key == nil {
		return nil, errors.New("chain: backend and key are required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id must be positive")
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDC"
	}

	targets := make(map[string]Target, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Kind != KindLending && t.Kind != KindVault {
			return nil, fmt.Errorf("chain: target %s: unknown kind %q", t.Name, t.Kind)
		}
		targets[t.Name] = t
	}

	return &Executor{
		backend: backend,
		key:     key,
		hub:     ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		cfg:     cfg,
		targets: targets,
		logger:  logger.With(slog.String("component", "chain"), slog.String("chain", cfg.ChainName)),
	}, nil
}

// HubAddress returns the hub account address.
func (e *Executor) HubAddress() string {
	return e.hub.Hex()
}

// Deposit places req.Amount of the asset into the named protocol target on
// behalf of req.Destination. Preconditions run in order: minimum amount,
// hub balance, protocol cap, allowance (approving if short). The balance is
// read fresh on every call since other Positions share the hub account.
func (e *Executor) Deposit(ctx context.Context, req domain.DepositRequest) domain.DepositResult {
	log := e.logger.With(slog.String("payment_id", req.PaymentID), slog.String("protocol", req.Protocol))

	target, ok := e.targets[req.Protocol]
	if !ok {
		return depositFailed(&domain.ChainError{Kind: domain.KindUnknown, Op: "deposit", Message: fmt.Sprintf("unknown protocol target %q", req.Protocol)})
	}
	if req.Chain != "" && !strings.EqualFold(req.Chain, e.cfg.ChainName) {
		return depositFailed(&domain.ChainError{Kind: domain.KindUnknown, Op: "deposit", Message: fmt.Sprintf("executor serves %s, not %s", e.cfg.ChainName, req.Chain)})
	}
	if req.Asset != "" && !strings.EqualFold(req.Asset, e.cfg.Asset) {
		return depositFailed(&domain.ChainError{Kind: domain.KindUnknown, Op: "deposit", Message: fmt.Sprintf("unsupported asset %s", req.Asset)})
	}
	if !common.IsHexAddress(req.Destination) {
		return depositFailed(&domain.ChainError{Kind: domain.KindUnknown, Op: "deposit", Message: fmt.Sprintf("invalid destination %q", req.Destination)})
	}
	dest := common.HexToAddress(req.Destination)

	// (a) minimum amount
	if !req.Amount.GreaterThan(target.MinDeposit) {
		return depositFailed(&domain.ChainError{
			Kind: domain.KindTransactionFailed, Op: "deposit",
			Message: fmt.Sprintf("amount %s does not exceed minimum %s for %s", req.Amount, target.MinDeposit, target.Name),
		})
	}
	amount := ToBaseUnits(req.Amount, e.cfg.AssetDecimals)

	// (b) hub balance
	balance, err := e.callUint(ctx, erc20ABI, e.cfg.AssetAddress, "balanceOf", e.hub)
	if err != nil {
		return depositFailed(normalize("balance", err))
	}
	if balance.Cmp(amount) < 0 {
		return depositFailed(&domain.ChainError{
			Kind: domain.KindInsufficientBalance, Op: "balance",
			Message: fmt.Sprintf("insufficient hub balance: have %s, need %s %s",
				FromBaseUnits(balance, e.cfg.AssetDecimals), req.Amount, e.cfg.Asset),
		})
	}

	// (c) protocol cap
	if ce := e.checkCap(ctx, target, dest, amount); ce != nil {
		log.Warn("deposit blocked by protocol cap", slog.String("error", ce.Message))
		return depositFailed(ce)
	}

	// (d) allowance
	approvalHash, ce := e.ensureAllowance(ctx, target, amount)
	if ce != nil {
		return depositFailed(ce)
	}

	var data []byte
	switch target.Kind {
	case KindLending:
		data, err = lendingPoolABI.Pack("supply", e.cfg.AssetAddress, amount, dest, uint16(0))
	case KindVault:
		data, err = vaultABI.Pack("deposit", amount, dest)
	}
	if err != nil {
		return depositFailed(normalize("deposit", err))
	}

	sub := e.submit(ctx, "deposit", target.Contract, nil, data)
	if sub.err != nil {
		if sub.broadcast && sub.err.Kind == domain.KindTransactionFailed {
			e.explainRevert(ctx, target, amount, sub.err)
		}
		return domain.DepositResult{ApprovalTxHash: approvalHash, TxHash: sub.hash, Err: sub.err}
	}
	log.Info("deposit confirmed", slog.String("tx_hash", sub.hash), slog.String("amount", req.Amount.String()))
	return domain.DepositResult{Success: true, TxHash: sub.hash, ApprovalTxHash: approvalHash}
}

// Transfer sends amountWei of the native gas token from the hub to `to`.
func (e *Executor) Transfer(ctx context.Context, to string, amountWei *big.Int) domain.TransferResult {
	if !common.IsHexAddress(to) {
		return domain.TransferResult{Err: &domain.ChainError{Kind: domain.KindUnknown, Op: "transfer", Message: fmt.Sprintf("invalid recipient %q", to)}}
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return domain.TransferResult{Err: &domain.ChainError{Kind: domain.KindUnknown, Op: "transfer", Message: "transfer amount must be positive"}}
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	balance, err := e.backend.BalanceAt(rctx, e.hub, nil)
	cancel()
	if err != nil {
		return domain.TransferResult{Err: normalize("transfer", err)}
	}
	if balance.Cmp(amountWei) < 0 {
		return domain.TransferResult{Err: &domain.ChainError{
			Kind: domain.KindInsufficientBalance, Op: "transfer",
			Message: fmt.Sprintf("insufficient hub native balance: have %s wei, need %s wei", balance, amountWei),
		}}
	}

	sub := e.submit(ctx, "transfer", common.HexToAddress(to), amountWei, nil)
	if sub.err != nil {
		return domain.TransferResult{TxHash: sub.hash, Broadcast: sub.broadcast, Err: sub.err}
	}
	e.logger.Info("native transfer confirmed", slog.String("to", to), slog.String("wei", amountWei.String()), slog.String("tx_hash", sub.hash))
	return domain.TransferResult{Success: true, TxHash: sub.hash, Broadcast: true}
}

// TransactionState reads the receipt of a previously broadcast transaction.
func (e *Executor) TransactionState(ctx context.Context, txHash string) (domain.TxState, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	receipt, err := e.backend.TransactionReceipt(rctx, common.HexToHash(txHash))
	switch {
	case errors.Is(err, ethereum.NotFound):
		return domain.TxPending, nil
	case err != nil:
		return "", fmt.Errorf("chain: receipt %s: %w", txHash, err)
	case receipt.Status == types.ReceiptStatusSuccessful:
		return domain.TxConfirmed, nil
	}
	return domain.TxReverted, nil
}

func (e *Executor) checkCap(ctx context.Context, t Target, dest common.Address, amount *big.Int) *domain.ChainError {
	switch t.Kind {
	case KindLending:
		if t.SupplyCap == nil || t.SupplyCap.Sign() == 0 || t.CapToken == (common.Address{}) {
			return nil
		}
		supplied, err := e.callUint(ctx, erc20ABI, t.CapToken, "totalSupply")
		if err != nil {
			return normalize("cap", err)
		}
		projected := new(big.Int).Add(supplied, amount)
		if projected.Cmp(t.SupplyCap) > 0 {
			return &domain.ChainError{
				Kind: domain.KindSupplyCap, Op: "cap",
				Message: fmt.Sprintf("%s projected supply %s exceeds supply cap %s", t.Name, projected, t.SupplyCap),
			}
		}
	case KindVault:
		limit, err := e.callUint(ctx, vaultABI, t.Contract, "maxDeposit", dest)
		if err != nil {
			return normalize("cap", err)
		}
		if amount.Cmp(limit) > 0 {
			return &domain.ChainError{
				Kind: domain.KindSupplyCap, Op: "cap",
				Message: fmt.Sprintf("%s deposit %s exceeds max deposit %s", t.Name, amount, limit),
			}
		}
	}
	return nil
}

// ensureAllowance grants the target contract an unlimited allowance when the
// current one is short and waits for the approval receipt. Positions share
// the hub account, so a per-deposit allowance could be spent by another
// Position's deposit before this one lands.
func (e *Executor) ensureAllowance(ctx context.Context, t Target, amount *big.Int) (string, *domain.ChainError) {
	current, err := e.callUint(ctx, erc20ABI, e.cfg.AssetAddress, "allowance", e.hub, t.Contract)
	if err != nil {
		return "", normalize("allowance", err)
	}
	if current.Cmp(amount) >= 0 {
		return "", nil
	}

	data, err := erc20ABI.Pack("approve", t.Contract, abi.MaxUint256)
	if err != nil {
		return "", normalize("approve", err)
	}
	sub := e.submit(ctx, "approve", e.cfg.AssetAddress, nil, data)
	if sub.err != nil {
		ce := sub.err
		if ce.Kind != domain.KindNetworkError && ce.Kind != domain.KindInsufficientBalance {
			ce.Kind = domain.KindApprovalFailed
			ce.Retryable = false
		}
		return sub.hash, ce
	}
	return sub.hash, nil
}

// explainRevert reclassifies a reverted deposit as approval_failed when the
// allowance no longer covers amount.
func (e *Executor) explainRevert(ctx context.Context, t Target, amount *big.Int, ce *domain.ChainError) {
	current, err := e.callUint(ctx, erc20ABI, e.cfg.AssetAddress, "allowance", e.hub, t.Contract)
	if err != nil || current.Cmp(amount) >= 0 {
		return
	}
	ce.Kind = domain.KindApprovalFailed
	ce.Retryable = false
	ce.Message = fmt.Sprintf("%s; allowance %s below deposit %s", ce.Message, current, amount)
}

func (e *Executor) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	out, err := e.backend.CallContract(rctx, callMsg(e.hub, to, nil, data), nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return unpackUint256(contract, method, out)
}

var _ domain.ChainExecutor = (*Executor)(nil)

func depositFailed(ce *domain.ChainError) domain.DepositResult {
	return domain.DepositResult{Err: ce}
}
