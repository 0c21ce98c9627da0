package verify

import (
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

const (
	minIDLength    = 10
	minNonceLength = 16
	paymentToken   = "USDC"

	// bounds keep compute micro-seconds and epoch volume sums well inside uint64
	maxComputeSeconds = 1e9
	maxReward         = entities.Amount(1_000_000_000 * 1_000_000)
)

var (
	semverPattern    = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	ensPattern       = regexp.MustCompile(`^[a-z0-9.-]+\.eth$`)
	proofHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

func ValidateJob(job *entities.Job) error {
	if err := validateHeader(job.Type, entities.RecordTypeJob, job.Version); err != nil {
		return err
	}
	if len(job.JobID) < minIDLength {
		return malformed("job_id [%s] too short", job.JobID)
	}
	if job.Model == "" {
		return malformed("job [%s] has no model", job.JobID)
	}
	if err := validateCID("input_cid", job.InputCID); err != nil {
		return err
	}
	if job.Payment.Token != paymentToken {
		return malformed("job [%s] pays in unsupported token [%s]", job.JobID, job.Payment.Token)
	}
	reward, err := job.RewardAmount()
	if err != nil {
		return err
	}
	if reward == 0 {
		return malformed("job [%s] has zero reward", job.JobID)
	}
	if reward > maxReward {
		return malformed("job [%s] reward [%s] above maximum [%s]", job.JobID, reward, maxReward)
	}
	if err := validateIdentity("client", job.Client); err != nil {
		return err
	}
	if job.Timestamp <= 0 {
		return malformed("job [%s] has no timestamp", job.JobID)
	}
	if len(job.Nonce) < minNonceLength {
		return malformed("job [%s] nonce too short", job.JobID)
	}
	return validateSignatureFormat(job.Sig)
}

func ValidateClaim(claim *entities.Claim) error {
	if err := validateHeader(claim.Type, entities.RecordTypeClaim, claim.Version); err != nil {
		return err
	}
	if len(claim.ClaimID) < minIDLength {
		return malformed("claim_id [%s] too short", claim.ClaimID)
	}
	if claim.JobID == "" {
		return malformed("claim [%s] has no job_id", claim.ClaimID)
	}
	if err := validateCID("job_cid", claim.JobCID); err != nil {
		return err
	}
	if err := validateIdentity("provider", claim.Provider); err != nil {
		return err
	}
	if claim.Mode != entities.ModeSolo && claim.Mode != entities.ModePPL {
		return malformed("claim [%s] has unknown mode [%s]", claim.ClaimID, claim.Mode)
	}
	if claim.Timestamp <= 0 {
		return malformed("claim [%s] has no timestamp", claim.ClaimID)
	}
	if len(claim.Nonce) < minNonceLength {
		return malformed("claim [%s] nonce too short", claim.ClaimID)
	}
	return validateSignatureFormat(claim.Sig)
}

func ValidateProof(proof *entities.Proof) error {
	if err := validateHeader(proof.Type, entities.RecordTypeProof, proof.Version); err != nil {
		return err
	}
	if len(proof.ProofID) < minIDLength {
		return malformed("proof_id [%s] too short", proof.ProofID)
	}
	if proof.JobID == "" {
		return malformed("proof [%s] has no job_id", proof.ProofID)
	}
	if err := validateCID("job_cid", proof.JobCID); err != nil {
		return err
	}
	if err := validateCID("output_cid", proof.OutputCID); err != nil {
		return err
	}
	if proof.Metrics.ComputeSeconds <= 0 {
		return malformed("proof [%s] has non positive compute_seconds", proof.ProofID)
	}
	if proof.Metrics.ComputeSeconds > maxComputeSeconds {
		return malformed("proof [%s] compute_seconds [%g] above maximum", proof.ProofID, proof.Metrics.ComputeSeconds)
	}
	if proof.Metrics.Confidence < 0 || proof.Metrics.Confidence > 1 {
		return malformed("proof [%s] confidence [%f] out of range", proof.ProofID, proof.Metrics.Confidence)
	}
	if err := validateIdentity("provider", proof.Provider); err != nil {
		return err
	}
	if proof.Timestamp <= 0 {
		return malformed("proof [%s] has no timestamp", proof.ProofID)
	}
	if !proofHashPattern.MatchString(proof.ProofHash) {
		return malformed("proof [%s] has invalid proof_hash", proof.ProofID)
	}
	return validateSignatureFormat(proof.Sig)
}

func validateHeader(actualType, expectedType, version string) error {
	if actualType != expectedType {
		return malformed("expected type [%s], got [%s]", expectedType, actualType)
	}
	if !semverPattern.MatchString(version) {
		return malformed("invalid version [%s]", version)
	}
	return nil
}

func validateCID(field, value string) error {
	if !strings.HasPrefix(value, "bafy") && !strings.HasPrefix(value, "Qm") {
		return malformed("%s [%s] is not a content id", field, value)
	}
	if _, err := cid.Decode(value); err != nil {
		return malformed("%s [%s] is not a content id: %v", field, value, err)
	}
	return nil
}

func validateIdentity(field, value string) error {
	if !ensPattern.MatchString(value) {
		return malformed("%s [%s] is not an ENS name", field, value)
	}
	return nil
}

// validateSignatureFormat accepts unsigned records. The verifier treats them as nonexistent.
func validateSignatureFormat(sig string) error {
	if sig == "" {
		return nil
	}
	if !signaturePattern.MatchString(sig) {
		return malformed("signature is not 0x followed by 130 hex chars")
	}
	return nil
}

func malformed(format string, args ...any) error {
	return errors.Wrapf(entities.ErrMalformedRecord, format, args...)
}
