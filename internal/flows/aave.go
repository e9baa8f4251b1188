// Package flows holds ready-made instruction plans.
package flows

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OpenMEE-Chain/internal/composable"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/job"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/internal/web3"
)

// SupplySignature is the Aave v3 Pool entry point used by AaveSupply.
const SupplySignature = "function supply(address asset, uint256 amount, address onBehalfOf, uint16 referralCode) external"

// AaveSupply moves Amount of Asset from the owner's EOA into its smart
// account, supplies the smart account's whole Asset balance to Pool and
// sends the resulting aToken balance back to the EOA, all in one
// supertransaction. Fees are paid in Asset unless FeeToken is set.
type AaveSupply struct {
	ChainID  uint64
	Asset    common.Address
	AToken   common.Address
	Pool     common.Address
	Amount   *big.Int
	FeeToken *supertx.FeeToken
}

// Intents returns the four steps in execution order:
// transfer, approve(runtime balance), supply(runtime balance),
// transfer aToken back(runtime balance).
func (a AaveSupply) Intents(owner supertx.Owner) ([]composable.Intent, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少账户")
	}
	smart, err := owner.AddressOn(a.ChainID)
	if err != nil {
		return nil, err
	}
	assetBalance, err := composable.RuntimeERC20BalanceOf(a.ChainID, a.Asset, smart)
	if err != nil {
		return nil, err
	}
	aTokenBalance, err := composable.RuntimeERC20BalanceOf(a.ChainID, a.AToken, smart)
	if err != nil {
		return nil, err
	}
	return []composable.Intent{
		composable.TransferIntent{
			ChainID:   a.ChainID,
			Token:     a.Asset,
			Recipient: smart,
			Amount:    new(big.Int).Set(a.Amount),
		},
		composable.CallIntent{
			ChainID:      a.ChainID,
			To:           a.Asset,
			ABI:          &web3.ERC20,
			FunctionName: "approve",
			Args:         []any{a.Pool, assetBalance},
		},
		composable.CallIntent{
			ChainID:   a.ChainID,
			To:        a.Pool,
			Signature: SupplySignature,
			Args:      []any{a.Asset, assetBalance, smart, 0},
		},
		composable.TransferIntent{
			ChainID:   a.ChainID,
			Token:     a.AToken,
			Recipient: owner.EOA(),
			Amount:    aTokenBalance,
		},
	}, nil
}

// Instructions builds Intents.
func (a AaveSupply) Instructions(owner supertx.Owner) ([]composable.Instruction, error) {
	intents, err := a.Intents(owner)
	if err != nil {
		return nil, err
	}
	return composable.BuildAll(intents...)
}

// Trigger funds the batch with Amount of Asset.
func (a AaveSupply) Trigger() supertx.Trigger {
	t := supertx.Trigger{ChainID: a.ChainID, Token: a.Asset}
	if a.Amount != nil {
		t.Amount = new(big.Int).Set(a.Amount)
	}
	return t
}

// Fee returns the fee token, defaulting to Asset on ChainID.
func (a AaveSupply) Fee() supertx.FeeToken {
	if a.FeeToken != nil {
		return *a.FeeToken
	}
	return supertx.FeeToken{Address: a.Asset, ChainID: a.ChainID}
}

// Request builds and assembles the batch.
func (a AaveSupply) Request(owner supertx.Owner) (supertx.QuoteRequest, error) {
	ins, err := a.Instructions(owner)
	if err != nil {
		return supertx.QuoteRequest{}, err
	}
	return supertx.Assemble(owner, ins, a.Trigger(), a.Fee())
}

// JobPlan returns the same four steps as a serializable plan. Smart account
// and EOA addresses stay as placeholders and are resolved by the worker that
// owns the signing key.
func (a AaveSupply) JobPlan() (job.Plan, error) {
	if err := a.validate(); err != nil {
		return job.Plan{}, err
	}
	asset, aToken, pool := a.Asset.Hex(), a.AToken.Hex(), a.Pool.Hex()
	assetBalance := job.BalanceOf(asset, job.HolderAccount)
	aTokenBalance := job.BalanceOf(aToken, job.HolderAccount)
	amount := job.LiteralArg(a.Amount.String())
	fee := a.Fee()
	return job.Plan{
		Intents: []job.IntentSpec{
			{Type: string(composable.IntentTransfer), ChainID: a.ChainID, Token: asset, Recipient: job.HolderAccount, Amount: &amount},
			{Type: string(composable.IntentCall), ChainID: a.ChainID, To: asset, ABI: "erc20", Function: "approve",
				Args: []job.ArgSpec{job.LiteralArg(pool), assetBalance}},
			{Type: string(composable.IntentCall), ChainID: a.ChainID, To: pool, Signature: SupplySignature,
				Args: []job.ArgSpec{job.LiteralArg(asset), assetBalance, job.LiteralArg(job.HolderAccount), job.LiteralArg(0)}},
			{Type: string(composable.IntentTransfer), ChainID: a.ChainID, Token: aToken, Recipient: job.HolderEOA, Amount: &aTokenBalance},
		},
		Trigger:  job.TriggerSpec{ChainID: a.ChainID, Token: asset, Amount: a.Amount.String()},
		FeeToken: job.FeeSpec{ChainID: fee.ChainID, Address: fee.Address.Hex()},
	}, nil
}

func (a AaveSupply) validate() error {
	if a.ChainID == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "缺少链 ID")
	}
	zero := common.Address{}
	if a.Asset == zero || a.AToken == zero || a.Pool == zero {
		return xerrors.New(xerrors.CodeConfiguration, "缺少代币或资金池地址")
	}
	if a.Amount == nil || a.Amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "数量必须大于 0")
	}
	return nil
}
