package collector

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/business/canonical"
	"github.com/swarmos/go-epoch-sealer/business/domain/settlement"
	"github.com/swarmos/go-epoch-sealer/business/domain/verify"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/swarmos/go-epoch-sealer/infrastructure/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type Verifier interface {
	Verify(ctx context.Context, record entities.SignedRecord) (entities.Identity, error)
}

type Config struct {
	Namespace     entities.Namespace
	Grace         time.Duration
	NumWorkers    int
	SeenCacheSize int
}

// PollReport counts the outcome of one poll.
type PollReport struct {
	Jobs       int
	Claims     int
	Accepted   int
	Rejected   int
	Duplicates int
	Queued     int
	// Waiting counts proofs held until their job or claim is observed.
	Waiting int
}

type indexedJob struct {
	job      *entities.Job
	identity entities.Identity
}

type indexedClaim struct {
	claim    *entities.Claim
	identity entities.Identity
	hash     string
}

type pendingProof struct {
	path     string
	proof    *entities.Proof
	hash     string
	identity entities.Identity
	replayed bool
	waiting  string
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
	outcomeQueued
	outcomeWaiting
)

// Collector ingests pool records and keeps the accepted proofs of the current epoch.
type Collector struct {
	store     Store
	verifier  Verifier
	namespace entities.Namespace
	grace     time.Duration
	workers   int
	metrics   *metrics.ProcessingMetrics
	logger    *zap.SugaredLogger

	pollMutex sync.Mutex

	mutex      sync.Mutex
	seenPaths  *lru.Cache[string, struct{}]
	seenHashes map[string]uint32
	proofIDs   map[string]uint32
	retired    map[string]uint32
	jobs       map[string]*indexedJob
	claims     map[string]map[string]*indexedClaim
	epoch      entities.Epoch
	frozen     bool
	proofs     map[string][]entities.AcceptedProof
	proofCount int
	activity   bool
	queued     []pendingProof
	pending    []pendingProof
	waiting    []pendingProof
}

func NewCollector(store Store, verifier Verifier, epoch entities.Epoch, cfg Config, m *metrics.ProcessingMetrics, logger *zap.SugaredLogger) (*Collector, error) {
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 100_000
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating seen path cache")
	}
	c := Collector{
		store:      store,
		verifier:   verifier,
		namespace:  cfg.Namespace,
		grace:      cfg.Grace,
		workers:    cfg.NumWorkers,
		metrics:    m,
		logger:     logger,
		seenPaths:  seen,
		seenHashes: make(map[string]uint32),
		proofIDs:   make(map[string]uint32),
		retired:    make(map[string]uint32),
		jobs:       make(map[string]*indexedJob),
		claims:     make(map[string]map[string]*indexedClaim),
		epoch:      epoch,
		proofs:     make(map[string][]entities.AcceptedProof),
	}
	return &c, nil
}

// Poll reads new jobs, claims and proofs from the store, in that order.
// Store failures of single records are collected and returned together, the rest of the poll goes on.
func (c *Collector) Poll(ctx context.Context) (PollReport, error) {
	c.pollMutex.Lock()
	defer c.pollMutex.Unlock()

	var report PollReport
	var result *multierror.Error

	c.mutex.Lock()
	replay := c.pending
	c.pending = nil
	c.mutex.Unlock()
	if len(replay) > 0 {
		c.logger.Infow("Replaying queued proofs", "count", len(replay))
		if err := c.ingestProofs(ctx, replay, &report); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := c.pollJobs(ctx, &report); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.pollClaims(ctx, &report); err != nil {
		result = multierror.Append(result, err)
	}
	c.retryWaiting(&report)
	if err := c.pollProofs(ctx, &report); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		c.metrics.AddPollErrors(result.Len())
	}
	c.metrics.SetEpochProofs(c.ProofCount())
	return report, result.ErrorOrNil()
}

// fetch reads the records below prefix whose paths were not processed yet.
func (c *Collector) fetch(ctx context.Context, prefix string) ([]string, map[string][]byte, error) {
	paths, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing [%s]", prefix)
	}
	sort.Strings(paths)

	var result *multierror.Error
	var unseen []string
	records := make(map[string][]byte)
	for _, path := range paths {
		if c.seenPaths.Contains(path) {
			continue
		}
		data, err := c.store.Get(ctx, path)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "reading [%s]", path))
			continue
		}
		unseen = append(unseen, path)
		records[path] = data
	}
	return unseen, records, result.ErrorOrNil()
}

func (c *Collector) pollJobs(ctx context.Context, report *PollReport) error {
	paths, records, fetchErr := c.fetch(ctx, c.namespace.Jobs())
	var result *multierror.Error
	if fetchErr != nil {
		result = multierror.Append(result, fetchErr)
	}

	for _, path := range paths {
		hash, err := c.checkContent(records[path])
		if err != nil {
			c.settle(path, hash, entities.RecordTypeJob, err, report)
			continue
		}
		job, err := entities.DecodeJob(records[path])
		if err == nil {
			err = verify.ValidateJob(job)
		}
		var identity entities.Identity
		if err == nil {
			identity, err = c.verifier.Verify(ctx, job)
		}
		if err != nil && !verify.IsRejection(err) {
			result = multierror.Append(result, errors.Wrapf(err, "verifying job [%s]", path))
			continue
		}
		if err == nil {
			err = c.indexJob(job, identity)
		}
		if err == nil {
			report.Jobs++
		}
		c.settle(path, hash, entities.RecordTypeJob, err, report)
	}
	return result.ErrorOrNil()
}

func (c *Collector) pollClaims(ctx context.Context, report *PollReport) error {
	paths, records, fetchErr := c.fetch(ctx, c.namespace.Claims())
	var result *multierror.Error
	if fetchErr != nil {
		result = multierror.Append(result, fetchErr)
	}

	for _, path := range paths {
		hash, err := c.checkContent(records[path])
		if err != nil {
			c.settle(path, hash, entities.RecordTypeClaim, err, report)
			continue
		}
		claim, err := entities.DecodeClaim(records[path])
		if err == nil {
			err = verify.ValidateClaim(claim)
		}
		var identity entities.Identity
		if err == nil {
			identity, err = c.verifier.Verify(ctx, claim)
		}
		if err != nil && !verify.IsRejection(err) {
			result = multierror.Append(result, errors.Wrapf(err, "verifying claim [%s]", path))
			continue
		}
		if err == nil {
			err = c.indexClaim(claim, identity, hash)
		}
		if err == nil {
			report.Claims++
		}
		c.settle(path, hash, entities.RecordTypeClaim, err, report)
	}
	return result.ErrorOrNil()
}

func (c *Collector) pollProofs(ctx context.Context, report *PollReport) error {
	paths, records, fetchErr := c.fetch(ctx, c.namespace.Proofs())
	var result *multierror.Error
	if fetchErr != nil {
		result = multierror.Append(result, fetchErr)
	}

	var batch []pendingProof
	for _, path := range paths {
		hash, err := c.checkContent(records[path])
		if err != nil {
			c.settle(path, hash, entities.RecordTypeProof, err, report)
			continue
		}
		proof, err := entities.DecodeProof(records[path])
		if err == nil {
			err = verify.ValidateProof(proof)
		}
		if err != nil {
			c.settle(path, hash, entities.RecordTypeProof, err, report)
			continue
		}
		batch = append(batch, pendingProof{path: path, proof: proof, hash: hash})
	}

	if err := c.ingestProofs(ctx, batch, report); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ingestProofs verifies the batch concurrently and applies the results in batch order.
// Replayed proofs that fail for a transient reason go back to the pending list.
func (c *Collector) ingestProofs(ctx context.Context, batch []pendingProof, report *PollReport) error {
	identities := make([]entities.Identity, len(batch))
	verifyErrs := make([]error, len(batch))

	var group errgroup.Group
	group.SetLimit(c.workers)
	for i, p := range batch {
		group.Go(func() error {
			identities[i], verifyErrs[i] = c.verifier.Verify(ctx, p.proof)
			return nil
		})
	}
	_ = group.Wait()

	var result *multierror.Error
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i, p := range batch {
		err := verifyErrs[i]
		if err != nil && !verify.IsRejection(err) {
			result = multierror.Append(result, errors.Wrapf(err, "verifying proof [%s]", p.path))
			if p.replayed {
				c.pending = append(c.pending, p)
			}
			continue
		}
		if err != nil {
			c.settleLocked(p.path, p.hash, entities.RecordTypeProof, err, report)
			continue
		}
		p.identity = identities[i]
		c.applyLocked(p, report)
	}
	return result.ErrorOrNil()
}

// applyLocked settles a verified proof. The same signed payload or proof id is accepted once.
func (c *Collector) applyLocked(p pendingProof, report *PollReport) {
	if _, seen := c.seenHashes[p.hash]; seen {
		c.settleLocked(p.path, "", entities.RecordTypeProof, errors.Wrapf(entities.ErrDuplicateRecord, "content [%s] already processed", p.hash), report)
		return
	}
	if _, seen := c.proofIDs[p.proof.ProofID]; seen {
		c.settleLocked(p.path, "", entities.RecordTypeProof, errors.Wrapf(entities.ErrDuplicateRecord, "proof [%s] already accepted", p.proof.ProofID), report)
		return
	}

	switch out, reason := c.evaluateLocked(p); out {
	case outcomeAccepted:
		report.Accepted++
		c.metrics.IncAcceptedRecords(entities.RecordTypeProof)
		c.logger.Debugw("Accepted proof", "path", p.path, "job", p.proof.JobID, "provider", p.identity.Name, "epoch", c.epoch.Key())
		c.markSeenLocked(p.path, p.hash)
		c.proofIDs[p.proof.ProofID] = c.epoch.ID
	case outcomeQueued:
		report.Queued++
		p.waiting = ""
		c.queued = append(c.queued, p)
		c.seenPaths.Add(p.path, struct{}{})
		c.logger.Infow("Queued proof for next epoch", "path", p.path, "job", p.proof.JobID, "reason", reason)
	case outcomeWaiting:
		if p.waiting == "" {
			report.Waiting++
			c.logger.Infow("Holding proof", "path", p.path, "job", p.proof.JobID, "reason", reason)
		}
		p.waiting = reason
		c.waiting = append(c.waiting, p)
		c.seenPaths.Add(p.path, struct{}{})
	case outcomeRejected:
		c.rejectLocked(p, reason, report)
	}
}

func (c *Collector) rejectLocked(p pendingProof, reason string, report *PollReport) {
	report.Rejected++
	c.metrics.IncRejectedRecords(entities.RecordTypeProof)
	c.logger.Warnw("Rejected proof", "path", p.path, "job", p.proof.JobID, "provider", p.proof.Provider, "reason", reason)
	c.markSeenLocked(p.path, p.hash)
}

// retryWaiting evaluates the held proofs again once new jobs and claims are indexed.
func (c *Collector) retryWaiting(report *PollReport) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	waiting := c.waiting
	c.waiting = nil
	for _, p := range waiting {
		c.applyLocked(p, report)
	}
}

// evaluateLocked places a verified proof relative to the current epoch. A proof whose job or claim was not
// observed yet waits, the record may still be in flight.
func (c *Collector) evaluateLocked(p pendingProof) (outcome, string) {
	if c.frozen {
		return outcomeQueued, "epoch frozen"
	}
	proof, identity := p.proof, p.identity
	job, ok := c.jobs[proof.JobID]
	if !ok {
		if _, ok := c.retired[proof.JobID]; ok {
			return outcomeRejected, "job from a previous epoch"
		}
		return outcomeWaiting, "unknown job"
	}
	created := job.job.CreatedAt()
	if created.Before(c.epoch.StartTime) {
		return outcomeRejected, "job from a different epoch"
	}
	if !created.Before(c.epoch.EndTime) {
		return outcomeQueued, "job created after epoch end"
	}
	claim, ok := c.claims[proof.JobID][identity.Name]
	if !ok {
		return outcomeWaiting, "no prior claim"
	}
	if !c.epoch.Contains(claim.claim.ClaimedAt()) {
		return outcomeRejected, "claim outside epoch"
	}
	if proof.SubmittedAt().Before(claim.claim.ClaimedAt()) {
		return outcomeRejected, "proof submitted before claim"
	}
	if !proof.SubmittedAt().Before(c.epoch.EndTime.Add(c.grace)) {
		return outcomeRejected, "proof submitted after grace window"
	}

	c.proofs[proof.JobID] = append(c.proofs[proof.JobID], entities.AcceptedProof{
		Proof:    proof,
		Identity: identity,
		Hash:     p.hash,
	})
	c.proofCount++
	c.activity = true
	return outcomeAccepted, ""
}

func (c *Collector) indexJob(job *entities.Job, identity entities.Identity) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.jobs[job.JobID]; ok {
		return errors.Wrapf(entities.ErrDuplicateRecord, "job [%s] already indexed", job.JobID)
	}
	c.jobs[job.JobID] = &indexedJob{job: job, identity: identity}
	return nil
}

// indexClaim keeps the first claim of every provider on a job.
func (c *Collector) indexClaim(claim *entities.Claim, identity entities.Identity, hash string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	byProvider, ok := c.claims[claim.JobID]
	if !ok {
		byProvider = make(map[string]*indexedClaim)
		c.claims[claim.JobID] = byProvider
	}
	if _, ok := byProvider[identity.Name]; ok {
		return errors.Wrapf(entities.ErrDuplicateRecord, "provider [%s] already claimed job [%s]", identity.Name, claim.JobID)
	}
	byProvider[identity.Name] = &indexedClaim{claim: claim, identity: identity, hash: hash}
	if !c.frozen && c.epoch.Contains(claim.ClaimedAt()) {
		c.activity = true
	}
	return nil
}

// checkContent hashes a raw record without its signature, so that two signatures over the same payload
// count as one record. Content that was accepted before is a duplicate.
func (c *Collector) checkContent(data []byte) (string, error) {
	unsigned, err := canonical.EncodeWithout(json.RawMessage(data), "sig")
	if err != nil {
		return "", errors.Wrapf(entities.ErrMalformedRecord, "encoding record: %v", err)
	}
	hash, err := canonical.HashHex(json.RawMessage(unsigned))
	if err != nil {
		return "", errors.Wrapf(entities.ErrMalformedRecord, "hashing record: %v", err)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, seen := c.seenHashes[hash]; seen {
		return hash, errors.Wrapf(entities.ErrDuplicateRecord, "content [%s] already processed", hash)
	}
	return hash, nil
}

func (c *Collector) settle(path, hash, recordType string, err error, report *PollReport) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.settleLocked(path, hash, recordType, err, report)
}

// settleLocked marks a record as processed and accounts for its rejection, if any.
// Only accepted content is remembered, a forged copy never shadows the genuine record.
func (c *Collector) settleLocked(path, hash, recordType string, err error, report *PollReport) {
	switch {
	case err == nil:
		c.metrics.IncAcceptedRecords(recordType)
		c.markSeenLocked(path, hash)
		return
	case errors.Is(err, entities.ErrUnsignedRecord):
		report.Rejected++
		c.logger.Debugw("Ignoring unsigned record", "path", path)
	case errors.Is(err, entities.ErrDuplicateRecord):
		report.Duplicates++
		c.metrics.IncDuplicateRecords()
		c.logger.Debugw("Ignoring duplicate record", "path", path, "error", err.Error())
	default:
		report.Rejected++
		c.metrics.IncRejectedRecords(recordType)
		c.logger.Warnw("Rejected record", "type", recordType, "path", path, "reason", err.Error())
	}
	c.seenPaths.Add(path, struct{}{})
}

func (c *Collector) markSeenLocked(path, hash string) {
	c.seenPaths.Add(path, struct{}{})
	if hash == "" {
		return
	}
	if _, ok := c.seenHashes[hash]; !ok {
		c.seenHashes[hash] = c.epoch.ID
	}
}

// Freeze stops the epoch from taking new proofs and returns what it collected.
// Proofs ingested after the freeze are queued for the next epoch. Freezing twice returns the same snapshot.
// Held proofs submitted before the epoch end are rejected, later ones are queued.
func (c *Collector) Freeze(epochID uint32) (*entities.EpochSnapshot, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if epochID != c.epoch.ID {
		return nil, errors.Errorf("cannot freeze epoch [%d], collecting epoch [%d]", epochID, c.epoch.ID)
	}
	if !c.frozen {
		c.frozen = true
		c.releaseWaitingLocked()
	}

	jobIDs := make([]string, 0, len(c.proofs))
	for jobID := range c.proofs {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)

	snapshot := entities.EpochSnapshot{Epoch: c.epoch, Proofs: c.proofCount}
	for _, jobID := range jobIDs {
		proofs := append([]entities.AcceptedProof(nil), c.proofs[jobID]...)
		settlement.SortByPrecedence(proofs)

		activity := entities.JobActivity{
			Job:  c.jobs[jobID].job,
			Mode: c.modeLocked(jobID),
		}
		if activity.Mode == entities.ModeSolo {
			activity.Eligible = proofs[:1]
			activity.Audit = proofs[1:]
		} else {
			activity.Eligible = proofs
		}
		snapshot.Jobs = append(snapshot.Jobs, activity)
	}
	return &snapshot, nil
}

func (c *Collector) releaseWaitingLocked() {
	var report PollReport
	for _, p := range c.waiting {
		if !p.proof.SubmittedAt().Before(c.epoch.EndTime) {
			p.waiting = ""
			c.queued = append(c.queued, p)
			c.logger.Infow("Queued proof for next epoch", "path", p.path, "job", p.proof.JobID, "reason", "job or claim not observed before freeze")
			continue
		}
		c.rejectLocked(p, p.waiting, &report)
	}
	c.waiting = nil
}

// modeLocked is the mode of the earliest in-epoch claim on the job. Equal times go to the smaller hash.
func (c *Collector) modeLocked(jobID string) entities.Mode {
	var first *indexedClaim
	for _, claim := range c.claims[jobID] {
		if !c.epoch.Contains(claim.claim.ClaimedAt()) {
			continue
		}
		if first == nil ||
			claim.claim.Timestamp < first.claim.Timestamp ||
			(claim.claim.Timestamp == first.claim.Timestamp && claim.hash < first.hash) {
			first = claim
		}
	}
	if first == nil {
		return entities.ModePPL
	}
	return first.claim.Mode
}

// Advance switches bookkeeping to the next epoch. Proofs queued during the previous epoch are verified
// again and evaluated by the next poll.
func (c *Collector) Advance(next entities.Epoch) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.epoch = next
	c.frozen = false
	c.proofs = make(map[string][]entities.AcceptedProof)
	c.proofCount = 0
	c.activity = false
	for _, p := range append(c.queued, c.waiting...) {
		p.replayed, p.waiting = true, ""
		c.pending = append(c.pending, p)
	}
	c.queued = nil
	c.waiting = nil

	for jobID, job := range c.jobs {
		if job.job.CreatedAt().Before(next.StartTime) {
			delete(c.jobs, jobID)
			delete(c.claims, jobID)
			c.retired[jobID] = next.ID
		}
	}
	for _, byProvider := range c.claims {
		for _, claim := range byProvider {
			if next.Contains(claim.claim.ClaimedAt()) {
				c.activity = true
			}
		}
	}
	// content hashes, proof ids and retired jobs are kept for the previous and the current epoch
	for _, byEpoch := range []map[string]uint32{c.seenHashes, c.proofIDs, c.retired} {
		for key, epochID := range byEpoch {
			if epochID+1 < next.ID {
				delete(byEpoch, key)
			}
		}
	}
}

// HasActivity reports whether the current epoch received a claim or a proof.
func (c *Collector) HasActivity() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.activity
}

func (c *Collector) ProofCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.proofCount
}

func (c *Collector) Epoch() entities.Epoch {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.epoch
}
