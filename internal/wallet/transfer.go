package wallet

import (
	"fmt"

	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/tx"
	"github.com/grekinsky/lorachain/pkg/types"
)

// BuildTransfer assembles and signs a payment: coins are selected from the
// available UTXOs, the fee comes from the rate policy, and any surplus
// returns to the sender as change. The key must own every selected input.
func BuildTransfer(from, to types.Address, amount uint64, key *crypto.PrivateKey,
	available []UTXO, feeRate uint64) (*tx.Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	// Fee estimate assumes the worst case of a change output; a fee-free
	// selection without change just overpays by one output's bytes.
	fee := tx.EstimateTxFee(len(available), 2, feeRate)
	selection, err := SelectCoins(available, amount+fee)
	if err != nil {
		return nil, err
	}

	// Re-estimate with the actual input count and reselect if the cheaper
	// fee changes the target.
	fee = tx.EstimateTxFee(len(selection.Inputs), 2, feeRate)
	selection, err = SelectCoins(available, amount+fee)
	if err != nil {
		return nil, err
	}

	b := tx.NewBuilder()
	for _, u := range selection.Inputs {
		b.AddInput(u.Outpoint)
	}
	b.AddOutput(amount, types.Script{Type: types.ScriptTypeP2PKH, Data: to[:]})

	if change := selection.Total - amount - fee; change > 0 {
		b.AddOutput(change, types.Script{Type: types.ScriptTypeP2PKH, Data: from[:]})
	}

	if err := b.Sign(key); err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	return b.Build(), nil
}
