// Package utxo manages the UTXO set.
package utxo

import "github.com/grekinsky/lorachain/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
	// ApplyUpdates removes and adds UTXOs in a single atomic step:
	// either every change lands (including secondary indexes) or none does.
	ApplyUpdates(adds []*UTXO, removes []types.Outpoint) error
}
