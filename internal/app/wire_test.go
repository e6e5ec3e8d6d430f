package app

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/onramp/internal/chain"
	"github.com/alanyoungcy/onramp/internal/config"
)

func TestChainTargets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Chain.AssetDecimals = 6
	cfg.Protocols = map[string]config.ProtocolConfig{
		"aave": {
			Kind:       "lending",
			Contract:   "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
			CapToken:   "0x625E7708f30cA75bfd92586e17077590C60eb4cD",
			SupplyCap:  "1000000",
			MinDeposit: "1",
		},
		"vault": {
			Kind:     "vault",
			Contract: "0x000000000000000000000000000000000000dEaD",
		},
	}

	targets, err := chainTargets(&cfg)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	byName := make(map[string]chain.Target)
	for _, tg := range targets {
		byName[tg.Name] = tg
	}

	aave := byName["aave"]
	assert.Equal(t, chain.KindLending, aave.Kind)
	assert.Equal(t, common.HexToAddress("0x625E7708f30cA75bfd92586e17077590C60eb4cD"), aave.CapToken)
	require.NotNil(t, aave.SupplyCap)
	assert.Equal(t, "1000000000000", aave.SupplyCap.String())
	assert.True(t, aave.MinDeposit.Equal(decimal.NewFromInt(1)))

	vault := byName["vault"]
	assert.Equal(t, chain.KindVault, vault.Kind)
	assert.Nil(t, vault.SupplyCap)
	assert.True(t, vault.MinDeposit.IsZero())
}

func TestChainTargetsRejectsBadAmounts(t *testing.T) {
	cfg := config.Defaults()
	cfg.Protocols = map[string]config.ProtocolConfig{
		"aave": {Kind: "lending", Contract: "0x794a61358D6845594F94dc1DB02A252b5b4814aD", SupplyCap: "lots"},
	}
	_, err := chainTargets(&cfg)
	assert.Error(t, err)
}
