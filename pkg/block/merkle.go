package block

import (
	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction hashes.
//
// Algorithm:
//   - 0 hashes: returns zero hash
//   - 1 hash: returns that hash
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	if len(txHashes) == 0 {
		return types.Hash{}
	}
	if len(txHashes) == 1 {
		return txHashes[0]
	}

	// Work on a copy so we don't mutate the caller's slice.
	level := make([]types.Hash, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		// If odd, duplicate the last element.
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}

	return level[0]
}

// MerkleProof is the sibling path from a transaction hash to the root.
type MerkleProof struct {
	TxHash   types.Hash   `json:"tx_hash"`
	Index    uint32       `json:"index"` // Leaf position in the block.
	Siblings []types.Hash `json:"siblings"`
}

// BuildMerkleProof returns the inclusion proof for the leaf at index.
// Returns false when the index is out of range.
func BuildMerkleProof(txHashes []types.Hash, index int) (*MerkleProof, bool) {
	if index < 0 || index >= len(txHashes) {
		return nil, false
	}

	proof := &MerkleProof{TxHash: txHashes[index], Index: uint32(index)}
	if len(txHashes) == 1 {
		return proof, true
	}

	level := make([]types.Hash, len(txHashes))
	copy(level, txHashes)
	pos := index

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		sibling := pos ^ 1
		proof.Siblings = append(proof.Siblings, level[sibling])

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
		pos /= 2
	}

	return proof, true
}

// Verify recomputes the root from the proof and compares.
func (p *MerkleProof) Verify(root types.Hash) bool {
	hash := p.TxHash
	pos := int(p.Index)
	for _, sibling := range p.Siblings {
		if pos%2 == 0 {
			hash = crypto.HashConcat(hash, sibling)
		} else {
			hash = crypto.HashConcat(sibling, hash)
		}
		pos /= 2
	}
	return hash == root
}
