package codec

import (
	"bytes"
	"fmt"
	"sort"
)

// utxoEngine is the tag-length-value UTXO-specialized algorithm: a static
// substitution table of byte patterns that dominate serialized UTXO traffic
// (field names, script markers, zero runs). Each occurrence collapses to a
// two-byte code; everything else passes through literally.
//
// Stream format: literal bytes, with utxoEscape introducing either a token
// code (index into utxoTokens) or an escaped literal escape byte.
type utxoEngine struct{}

// utxoEscape never appears in UTF-8 JSON output, which keeps escaping rare.
const utxoEscape = 0xF5

// utxoLiteralCode marks an escaped literal utxoEscape byte.
const utxoLiteralCode = 0xFF

// utxoTokens is the static pattern table. Order is frozen: the index is the
// wire code, so entries must never be reordered, only appended.
var utxoTokens = [][]byte{
	[]byte(`"version":`),
	[]byte(`"inputs":[`),
	[]byte(`"outputs":[`),
	[]byte(`"prevout":{`),
	[]byte(`"txid":"`),
	[]byte(`"index":`),
	[]byte(`"signature":"`),
	[]byte(`"pubkey":"`),
	[]byte(`"value":`),
	[]byte(`"script":{`),
	[]byte(`"type":`),
	[]byte(`"data":"`),
	[]byte(`"locktime":`),
	[]byte(`"outpoint":{`),
	[]byte(`"height":`),
	[]byte(`"coinbase":`),
	[]byte(`"prev_hash":"`),
	[]byte(`"merkle_root":"`),
	[]byte(`"timestamp":`),
	[]byte(`"difficulty":`),
	[]byte(`"nonce":`),
	[]byte(`"header":{`),
	[]byte(`"transactions":[`),
	[]byte(`0000000000000000`),
	[]byte(`00000000`),
	[]byte(`},{`),
	[]byte(`"},"`),
	[]byte(`true`),
	[]byte(`false`),
}

// utxoMatchOrder holds token indices sorted longest-first so greedy matching
// prefers the biggest win.
var utxoMatchOrder = func() []int {
	order := make([]int, len(utxoTokens))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(utxoTokens[order[a]]) > len(utxoTokens[order[b]])
	})
	return order
}()

func (utxoEngine) Tag() Algorithm { return AlgoUTXO }

func (utxoEngine) Compress(data []byte) ([]byte, error) {
	return substitute(data, utxoTokens, utxoMatchOrder), nil
}

func (utxoEngine) Decompress(data []byte) ([]byte, error) {
	return unsubstitute(data, utxoTokens)
}

func (utxoEngine) Speed() int            { return 80 }
func (utxoEngine) ExpectedRatio() float64 { return 0.7 }

// substitute greedily replaces table patterns with [escape, code] pairs and
// escapes literal escape bytes.
func substitute(data []byte, tokens [][]byte, order []int) []byte {
	out := make([]byte, 0, len(data))
	for pos := 0; pos < len(data); {
		if data[pos] == utxoEscape {
			out = append(out, utxoEscape, utxoLiteralCode)
			pos++
			continue
		}

		matched := false
		for _, idx := range order {
			tok := tokens[idx]
			if len(tok) > 0 && pos+len(tok) <= len(data) && bytes.Equal(data[pos:pos+len(tok)], tok) {
				out = append(out, utxoEscape, byte(idx))
				pos += len(tok)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, data[pos])
			pos++
		}
	}
	return out
}

// unsubstitute reverses substitute.
func unsubstitute(data []byte, tokens [][]byte) ([]byte, error) {
	out := make([]byte, 0, len(data)*2)
	for pos := 0; pos < len(data); {
		b := data[pos]
		if b != utxoEscape {
			out = append(out, b)
			pos++
			continue
		}
		if pos+1 >= len(data) {
			return nil, fmt.Errorf("%w: dangling escape", ErrBadFrame)
		}
		code := data[pos+1]
		pos += 2
		if code == utxoLiteralCode {
			out = append(out, utxoEscape)
			continue
		}
		if int(code) >= len(tokens) {
			return nil, fmt.Errorf("%w: token code %#x out of range", ErrBadFrame, code)
		}
		out = append(out, tokens[code]...)
	}
	return out, nil
}
