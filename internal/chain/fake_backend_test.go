package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend is an in-memory chain holding one ERC-20 asset, one lending
// pool with its receipt token and one ERC-4626 vault. Confirmed deposits
// and approvals mutate its state like the real contracts would.
type fakeBackend struct {
	mu sync.Mutex

	chainID   *big.Int
	gasPrice  *big.Int
	native    *big.Int
	balance   *big.Int
	allowance map[common.Address]*big.Int
	supplied  *big.Int
	vaultMax  *big.Int

	estimateErr error
	sendErr     error
	// revert makes every receipt for a call with this selector report status 0.
	revert map[string]bool
	// noReceipt leaves sent transactions pending forever.
	noReceipt bool
	// onSend runs once, outside the lock, before the first transaction
	// calling the keyed method is accepted.
	onSend map[string]func()

	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	calls    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:   big.NewInt(43114),
		gasPrice:  big.NewInt(25_000_000_000),
		native:    new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		balance:   big.NewInt(1_000_000_000),
		allowance: map[common.Address]*big.Int{},
		supplied:  big.NewInt(0),
		vaultMax:  new(big.Int).Lsh(big.NewInt(1), 200),
		revert:    map[string]bool{},
		onSend:    map[string]func(){},
		receipts:  map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.native), nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	contract, method, args, err := decodeCall(msg.Data)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, method.Name)

	var v *big.Int
	switch method.Name {
	case "balanceOf":
		v = f.balance
	case "allowance":
		v = f.allowance[args[1].(common.Address)]
		if v == nil {
			v = new(big.Int)
		}
	case "totalSupply":
		v = f.supplied
	case "maxDeposit":
		v = f.vaultMax
	default:
		return nil, fmt.Errorf("fake: unexpected view %s", method.Name)
	}
	return contract.Methods[method.Name].Outputs.Pack(v)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	if len(msg.Data) == 0 {
		return 21_000, nil
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	name := methodName(tx)
	if hook, ok := f.onSend[name]; ok {
		delete(f.onSend, name)
		f.mu.Unlock()
		hook()
		f.mu.Lock()
	}
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.nonce++
	f.sent = append(f.sent, tx)
	if f.noReceipt {
		return nil
	}

	status := types.ReceiptStatusFailed
	if !(len(tx.Data()) >= 4 && f.revert[common.Bytes2Hex(tx.Data()[:4])]) && f.apply(tx) {
		status = types.ReceiptStatusSuccessful
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// apply executes tx against the fake state and reports whether it succeeded.
// Deposits pull the asset with transferFrom, so they spend the allowance
// granted to the called contract and revert when it or the balance is short.
func (f *fakeBackend) apply(tx *types.Transaction) bool {
	if len(tx.Data()) == 0 {
		f.native.Sub(f.native, tx.Value())
		return true
	}
	_, method, args, err := decodeCall(tx.Data())
	if err != nil {
		return false
	}
	switch method.Name {
	case "approve":
		f.allowance[args[0].(common.Address)] = new(big.Int).Set(args[1].(*big.Int))
	case "supply":
		amt := args[1].(*big.Int)
		if !f.transferFrom(*tx.To(), amt) {
			return false
		}
		f.supplied.Add(f.supplied, amt)
	case "deposit":
		amt := args[0].(*big.Int)
		if !f.transferFrom(*tx.To(), amt) {
			return false
		}
		f.vaultMax.Sub(f.vaultMax, amt)
	}
	return true
}

func (f *fakeBackend) transferFrom(spender common.Address, amt *big.Int) bool {
	allowed := f.allowance[spender]
	if allowed == nil || allowed.Cmp(amt) < 0 || f.balance.Cmp(amt) < 0 {
		return false
	}
	f.allowance[spender] = new(big.Int).Sub(allowed, amt)
	f.balance.Sub(f.balance, amt)
	return true
}

func (f *fakeBackend) setAllowance(spender common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowance[spender] = v
}

func (f *fakeBackend) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, tx := range f.sent {
		out = append(out, methodName(tx))
	}
	return out
}

func methodName(tx *types.Transaction) string {
	if len(tx.Data()) == 0 {
		return "transfer"
	}
	_, m, _, err := decodeCall(tx.Data())
	if err != nil {
		return "?"
	}
	return m.Name
}

func decodeCall(data []byte) (abi.ABI, *abi.Method, []any, error) {
	if len(data) < 4 {
		return abi.ABI{}, nil, nil, errors.New("fake: short calldata")
	}
	for _, contract := range []abi.ABI{erc20ABI, lendingPoolABI, vaultABI} {
		m, err := contract.MethodById(data[:4])
		if err != nil {
			continue
		}
		args, err := m.Inputs.Unpack(data[4:])
		if err != nil {
			return abi.ABI{}, nil, nil, err
		}
		return contract, m, args, nil
	}
	return abi.ABI{}, nil, nil, fmt.Errorf("fake: unknown selector %x", data[:4])
}

func selector(contract abi.ABI, method string) string {
	return common.Bytes2Hex(contract.Methods[method].ID)
}
