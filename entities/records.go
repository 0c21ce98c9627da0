package entities

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	RecordTypeJob   = "job"
	RecordTypeClaim = "claim"
	RecordTypeProof = "proof"
)

type Mode string

const (
	ModeSolo Mode = "SOLO"
	ModePPL  Mode = "PPL"
)

type Payment struct {
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

type JobParams struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	OutputFormat        string  `json:"output_format"`
}

type Job struct {
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	JobID     string    `json:"job_id"`
	JobType   string    `json:"job_type"`
	Model     string    `json:"model"`
	InputCID  string    `json:"input_cid"`
	Params    JobParams `json:"params"`
	Payment   Payment   `json:"payment"`
	Client    string    `json:"client"`
	Timestamp int64     `json:"timestamp"`
	Nonce     string    `json:"nonce"`
	Sig       string    `json:"sig,omitempty"`

	raw json.RawMessage
}

func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrapf(ErrMalformedRecord, "decoding job: %v", err)
	}
	job.raw = append(json.RawMessage(nil), data...)
	return &job, nil
}

func (j *Job) CreatedAt() time.Time {
	return time.Unix(j.Timestamp, 0)
}

func (j *Job) RewardAmount() (Amount, error) {
	return ParseAmount(j.Payment.Amount)
}

func (j *Job) Signature() string { return j.Sig }

func (j *Job) DeclaredIdentity() (string, Role) { return j.Client, RoleClient }

func (j *Job) Payload() any { return payload(j.raw, j) }

type Claim struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	ClaimID   string `json:"claim_id"`
	JobID     string `json:"job_id"`
	JobCID    string `json:"job_cid"`
	Provider  string `json:"provider"`
	Mode      Mode   `json:"mode"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Sig       string `json:"sig,omitempty"`

	raw json.RawMessage
}

func DecodeClaim(data []byte) (*Claim, error) {
	var claim Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, errors.Wrapf(ErrMalformedRecord, "decoding claim: %v", err)
	}
	claim.raw = append(json.RawMessage(nil), data...)
	return &claim, nil
}

func (c *Claim) ClaimedAt() time.Time {
	return time.Unix(c.Timestamp, 0)
}

func (c *Claim) Signature() string { return c.Sig }

func (c *Claim) DeclaredIdentity() (string, Role) { return c.Provider, RoleProvider }

func (c *Claim) Payload() any { return payload(c.raw, c) }

type ProofMetrics struct {
	InferenceSeconds float64 `json:"inference_seconds"`
	ComputeSeconds   float64 `json:"compute_seconds"`
	Confidence       float64 `json:"confidence"`
	ModelVersion     string  `json:"model_version"`
}

type Proof struct {
	Type      string       `json:"type"`
	Version   string       `json:"version"`
	ProofID   string       `json:"proof_id"`
	JobID     string       `json:"job_id"`
	JobCID    string       `json:"job_cid"`
	Status    string       `json:"status"`
	OutputCID string       `json:"output_cid"`
	ReportCID string       `json:"report_cid,omitempty"`
	Metrics   ProofMetrics `json:"metrics"`
	Provider  string       `json:"provider"`
	Timestamp int64        `json:"timestamp"`
	ProofHash string       `json:"proof_hash"`
	Sig       string       `json:"sig,omitempty"`

	raw json.RawMessage
}

func DecodeProof(data []byte) (*Proof, error) {
	var proof Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, errors.Wrapf(ErrMalformedRecord, "decoding proof: %v", err)
	}
	proof.raw = append(json.RawMessage(nil), data...)
	return &proof, nil
}

func (p *Proof) SubmittedAt() time.Time {
	return time.Unix(p.Timestamp, 0)
}

func (p *Proof) ComputeSeconds() float64 { return p.Metrics.ComputeSeconds }

func (p *Proof) ConfidenceScore() float64 { return p.Metrics.Confidence }

func (p *Proof) Signature() string { return p.Sig }

func (p *Proof) DeclaredIdentity() (string, Role) { return p.Provider, RoleProvider }

func (p *Proof) Payload() any { return payload(p.raw, p) }

func payload(raw json.RawMessage, record any) any {
	if len(raw) > 0 {
		return raw
	}
	return record
}

// AcceptedProof is a verified proof together with its signer and content hash.
type AcceptedProof struct {
	Proof    *Proof
	Identity Identity
	Hash     string
}

// JobActivity is the frozen proof set of one job within an epoch.
type JobActivity struct {
	Job      *Job
	Mode     Mode
	Eligible []AcceptedProof
	Audit    []AcceptedProof
}
