package types

import (
	"encoding/binary"
	"fmt"
)

// OutpointSize is the serialized outpoint length: tx id plus output index.
const OutpointSize = HashSize + 4

// Outpoint is the (tx_id, output_index) pair that keys the UTXO set.
// Every spendable coin on the chain is addressed by exactly one outpoint.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero reports whether this is the zero outpoint — the marker a coinbase
// input carries, since it creates coins rather than spending one.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// Bytes serializes the outpoint for storage keys: txid(32) followed by the
// big-endian index, so outputs of one transaction sort adjacently.
func (o Outpoint) Bytes() []byte {
	buf := make([]byte, OutpointSize)
	copy(buf, o.TxID[:])
	binary.BigEndian.PutUint32(buf[HashSize:], o.Index)
	return buf
}

// OutpointFromBytes parses a serialized outpoint.
func OutpointFromBytes(b []byte) (Outpoint, error) {
	if len(b) != OutpointSize {
		return Outpoint{}, fmt.Errorf("outpoint must be %d bytes, got %d", OutpointSize, len(b))
	}
	var o Outpoint
	copy(o.TxID[:], b[:HashSize])
	o.Index = binary.BigEndian.Uint32(b[HashSize:])
	return o, nil
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}
