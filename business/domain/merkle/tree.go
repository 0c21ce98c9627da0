// Package merkle builds the integrity root of an epoch seal.
//
// Leaves are the Keccak-256 digests of the canonical settlement encodings ordered by job id. A parent is
// Keccak-256(left || right) and the last node of an odd level is paired with itself. The root of an empty
// tree is 32 zero bytes.
package merkle

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/business/canonical"
	"github.com/swarmos/go-epoch-sealer/entities"
)

var EmptyRoot = "0x" + strings.Repeat("0", 64)

type Tree struct {
	jobIDs []string
	levels [][][]byte
}

// ProofStep is a sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Hash []byte
	Left bool
}

func Build(settlements []entities.Settlement) (*Tree, error) {
	ordered := make([]entities.Settlement, len(settlements))
	copy(ordered, settlements)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].JobID < ordered[j].JobID
	})

	tree := &Tree{}
	leaves := make([][]byte, 0, len(ordered))
	for i, settlement := range ordered {
		if i > 0 && ordered[i-1].JobID == settlement.JobID {
			return nil, errors.Errorf("duplicate settlement for job [%s]", settlement.JobID)
		}
		leaf, err := LeafHash(settlement)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
		tree.jobIDs = append(tree.jobIDs, settlement.JobID)
	}

	if len(leaves) == 0 {
		return tree, nil
	}
	tree.levels = append(tree.levels, leaves)
	for level := leaves; len(level) > 1; {
		level = parents(level)
		tree.levels = append(tree.levels, level)
	}
	return tree, nil
}

func LeafHash(settlement entities.Settlement) ([]byte, error) {
	hash, err := canonical.Hash(settlement)
	if err != nil {
		return nil, errors.Wrapf(err, "hashing settlement of job [%s]", settlement.JobID)
	}
	return hash, nil
}

func parents(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, crypto.Keccak256(level[i], right))
	}
	return next
}

func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return EmptyRoot
	}
	top := t.levels[len(t.levels)-1]
	return "0x" + hex.EncodeToString(top[0])
}

func (t *Tree) Len() int {
	return len(t.jobIDs)
}

// Proof returns the inclusion proof of the settlement of jobID.
func (t *Tree) Proof(jobID string) ([]ProofStep, error) {
	index := sort.SearchStrings(t.jobIDs, jobID)
	if index == len(t.jobIDs) || t.jobIDs[index] != jobID {
		return nil, errors.Wrapf(entities.ErrNotFound, "job [%s] not in tree", jobID)
	}

	var steps []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		if index%2 == 0 {
			sibling := index + 1
			if sibling == len(level) {
				sibling = index
			}
			steps = append(steps, ProofStep{Hash: level[sibling], Left: false})
		} else {
			steps = append(steps, ProofStep{Hash: level[index-1], Left: true})
		}
		index /= 2
	}
	return steps, nil
}

func VerifyProof(leaf []byte, steps []ProofStep, root string) bool {
	current := leaf
	for _, step := range steps {
		if step.Left {
			current = crypto.Keccak256(step.Hash, current)
		} else {
			current = crypto.Keccak256(current, step.Hash)
		}
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(root, "0x"))
	if err != nil {
		return false
	}
	return bytes.Equal(current, expected)
}

func Root(settlements []entities.Settlement) (string, error) {
	tree, err := Build(settlements)
	if err != nil {
		return "", err
	}
	return tree.Root(), nil
}
