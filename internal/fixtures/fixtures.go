// Package fixtures builds signed pool records and identities for tests.
package fixtures

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/swarmos/go-epoch-sealer/business/canonical"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/swarmos/go-epoch-sealer/external/ethsig"
)

const (
	JobCID    = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	InputCID  = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	OutputCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	nonce     = "6f1c2a9e4b7d3f80"
)

// Actor is a named key pair.
type Actor struct {
	Name   string
	Signer *ethsig.Signer
}

func NewActor(name string) *Actor {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &Actor{Name: name, Signer: ethsig.NewSignerFromKey(key)}
}

func (a *Actor) sign(record any) string {
	payload, err := canonical.EncodeWithout(record, "sig")
	if err != nil {
		panic(err)
	}
	sig, err := a.Signer.Sign(payload)
	if err != nil {
		panic(err)
	}
	return sig
}

func (a *Actor) SignJob(job *entities.Job) *entities.Job {
	job.Sig = ""
	job.Sig = a.sign(job)
	return job
}

func (a *Actor) SignClaim(claim *entities.Claim) *entities.Claim {
	claim.Sig = ""
	claim.Sig = a.sign(claim)
	return claim
}

func (a *Actor) SignProof(proof *entities.Proof) *entities.Proof {
	proof.Sig = ""
	proof.Sig = a.sign(proof)
	return proof
}

func Job(jobID, client, reward string, timestamp int64) *entities.Job {
	return &entities.Job{
		Type:      entities.RecordTypeJob,
		Version:   "1.0.0",
		JobID:     jobID,
		JobType:   "inference",
		Model:     "queenbee-spine",
		InputCID:  InputCID,
		Params:    entities.JobParams{ConfidenceThreshold: 0.8, OutputFormat: "json"},
		Payment:   entities.Payment{Amount: reward, Token: "USDC"},
		Client:    client,
		Timestamp: timestamp,
		Nonce:     nonce,
	}
}

func Claim(jobID, provider string, mode entities.Mode, timestamp int64) *entities.Claim {
	return &entities.Claim{
		Type:      entities.RecordTypeClaim,
		Version:   "1.0.0",
		ClaimID:   fmt.Sprintf("claim-%s-%s", jobID, provider),
		JobID:     jobID,
		JobCID:    JobCID,
		Provider:  provider,
		Mode:      mode,
		Timestamp: timestamp,
		Nonce:     nonce,
	}
}

func Proof(proofID, jobID, provider string, computeSeconds float64, timestamp int64) *entities.Proof {
	digest := crypto.Keccak256([]byte(proofID))
	return &entities.Proof{
		Type:      entities.RecordTypeProof,
		Version:   "1.0.0",
		ProofID:   proofID,
		JobID:     jobID,
		JobCID:    JobCID,
		Status:    "completed",
		OutputCID: OutputCID,
		Metrics: entities.ProofMetrics{
			InferenceSeconds: computeSeconds / 2,
			ComputeSeconds:   computeSeconds,
			Confidence:       0.93,
			ModelVersion:     "1.2.0",
		},
		Provider:  provider,
		Timestamp: timestamp,
		ProofHash: "0x" + hex.EncodeToString(digest),
	}
}

// Malleate returns the other valid signature (r, n-s) over the same digest, with the recovery id flipped.
func Malleate(signature string) string {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		panic(fmt.Sprintf("invalid signature [%s]", signature))
	}
	s := new(big.Int).SetBytes(sig[32:64])
	new(big.Int).Sub(crypto.S256().Params().N, s).FillBytes(sig[32:64])
	sig[crypto.RecoveryIDOffset] = 27 + ((sig[crypto.RecoveryIDOffset] - 27) ^ 1)
	return "0x" + hex.EncodeToString(sig)
}

func Marshal(record any) []byte {
	data, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	return data
}

// Directory is an in-memory address to name registry.
type Directory struct {
	mutex sync.Mutex
	names map[string]string
	Calls int
	Err   error
}

func NewDirectory(actors ...*Actor) *Directory {
	d := &Directory{names: make(map[string]string)}
	for _, actor := range actors {
		d.Register(actor)
	}
	return d
}

func (d *Directory) Register(actor *Actor) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.names[strings.ToLower(actor.Signer.Address())] = actor.Name
}

func (d *Directory) Resolve(_ context.Context, address string) (string, bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.Calls++
	if d.Err != nil {
		return "", false, d.Err
	}
	name, ok := d.names[strings.ToLower(address)]
	return name, ok, nil
}
