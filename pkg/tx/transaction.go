// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Transaction moves value between UTXOs: every input consumes one unspent
// output and every output mints a new one. The id is the BLAKE3 hash of the
// canonical signing bytes — content-addressed, so two transactions with the
// same spends and payouts are the same transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent. A coinbase input carries the zero
// outpoint instead, with the block height packed into Signature for hash
// uniqueness.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// Output defines a new UTXO: a value locked under a script.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction id.
// Signatures are excluded — they sign this very hash.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing:
//
//	version(4) | input_count(4) | inputs... | output_count(4) | outputs... | locktime(8)
//
// Each input contributes its outpoint (36 bytes); coinbase inputs also
// contribute their height marker so every coinbase hashes uniquely. Each
// output contributes value(8), script type(1), and length-prefixed script
// data.
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = in.appendSigningBytes(buf)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = out.appendSigningBytes(buf)
	}

	return binary.LittleEndian.AppendUint64(buf, tx.LockTime)
}

func (in Input) appendSigningBytes(buf []byte) []byte {
	buf = append(buf, in.PrevOut.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
	// A coinbase marker input carries its height bytes in Signature; they
	// go into the hash so each coinbase is unique. Regular signatures stay
	// out — they sign this hash.
	if in.PrevOut.IsZero() && len(in.Signature) > 0 {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
		buf = append(buf, in.Signature...)
	}
	return buf
}

func (out Output) appendSigningBytes(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, out.Value)
	buf = append(buf, byte(out.Script.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
	return append(buf, out.Script.Data...)
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// inputJSON is the JSON form of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}
