package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmos/go-epoch-sealer/business/domain/verify"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/swarmos/go-epoch-sealer/external/ethsig"
	"github.com/swarmos/go-epoch-sealer/infrastructure/metrics"
	"github.com/swarmos/go-epoch-sealer/infrastructure/store/memstore"
	"github.com/swarmos/go-epoch-sealer/internal/fixtures"
	"go.uber.org/zap"
)

var m = metrics.NewProcessingMetrics("test")

var namespace = entities.Namespace{PoolRoot: "/swarmpool", LedgerRoot: "/swarmledger"}

// epoch 7 covers [1000, 1600) with a grace window up to 1660
var testEpoch = entities.NewEpoch(7, time.Unix(1000, 0), 10*time.Minute)

const grace = time.Minute

type FakeStore struct {
	*memstore.Store
	mutex    sync.Mutex
	failGets map[string]bool
}

func (f *FakeStore) Get(ctx context.Context, path string) ([]byte, error) {
	f.mutex.Lock()
	fail := f.failGets[path]
	f.mutex.Unlock()
	if fail {
		return nil, errors.New("gateway timeout")
	}
	return f.Store.Get(ctx, path)
}

type testPool struct {
	store     *FakeStore
	directory *fixtures.Directory
	client    *fixtures.Actor
	alice     *fixtures.Actor
	bob       *fixtures.Actor
	collector *Collector
}

func newTestPool(t *testing.T) *testPool {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	pool := &testPool{
		store:  &FakeStore{Store: memstore.New(), failGets: make(map[string]bool)},
		client: fixtures.NewActor("client.eth"),
		alice:  fixtures.NewActor("alice.eth"),
		bob:    fixtures.NewActor("bob.eth"),
	}
	pool.directory = fixtures.NewDirectory(pool.client, pool.alice, pool.bob)
	verifier := verify.NewVerifier(ethsig.NewRecoverer(), pool.directory)

	pool.collector, err = NewCollector(pool.store, verifier, testEpoch, Config{
		Namespace:  namespace,
		Grace:      grace,
		NumWorkers: 4,
	}, m, logger.Sugar())
	require.NoError(t, err)
	return pool
}

func (p *testPool) put(t *testing.T, dir, name string, record any) {
	_, err := p.store.Put(context.Background(), dir+"/"+name+".json", fixtures.Marshal(record))
	require.NoError(t, err)
}

func (p *testPool) job(t *testing.T, jobID string, ts int64) {
	p.put(t, namespace.Jobs(), jobID, p.client.SignJob(fixtures.Job(jobID, p.client.Name, "0.10", ts)))
}

func (p *testPool) claim(t *testing.T, actor *fixtures.Actor, jobID string, mode entities.Mode, ts int64) {
	p.put(t, namespace.Claims(), jobID+"-"+actor.Name, actor.SignClaim(fixtures.Claim(jobID, actor.Name, mode, ts)))
}

func (p *testPool) proof(t *testing.T, actor *fixtures.Actor, proofID, jobID string, computeSeconds float64, ts int64) {
	p.put(t, namespace.Proofs(), proofID, actor.SignProof(fixtures.Proof(proofID, jobID, actor.Name, computeSeconds, ts)))
}

func (p *testPool) poll(t *testing.T) PollReport {
	report, err := p.collector.Poll(context.Background())
	require.NoError(t, err)
	return report
}

func TestCollector_Poll_AcceptsProofWithPriorClaim(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)

	assert.False(t, pool.collector.HasActivity())
	report := pool.poll(t)
	assert.Equal(t, PollReport{Jobs: 1, Claims: 1, Accepted: 1}, report)
	assert.Equal(t, 1, pool.collector.ProofCount())
	assert.True(t, pool.collector.HasActivity())

	snapshot, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Jobs, 1)
	activity := snapshot.Jobs[0]
	assert.Equal(t, "job-0000000001", activity.Job.JobID)
	assert.Equal(t, entities.ModePPL, activity.Mode)
	require.Len(t, activity.Eligible, 1)
	assert.Equal(t, "alice.eth", activity.Eligible[0].Identity.Name)
	assert.Equal(t, pool.alice.Signer.Address(), activity.Eligible[0].Identity.Address)
	assert.NotEmpty(t, activity.Eligible[0].Hash)
	assert.Empty(t, activity.Audit)
}

func TestCollector_Poll_SkipsSeenPaths(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)

	pool.poll(t)
	assert.Equal(t, PollReport{}, pool.poll(t))
	assert.Equal(t, 1, pool.collector.ProofCount())
	assert.Equal(t, 3, pool.directory.Calls)
}

func TestCollector_Poll_RejectsProofs(t *testing.T) {
	impostor := fixtures.NewActor("impostor.eth")

	testData := []struct {
		name  string
		setup func(t *testing.T, pool *testPool)
	}{
		{
			name: "signer is not the declared provider",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1010)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
				pool.put(t, namespace.Proofs(), "forged", impostor.SignProof(fixtures.Proof("proof-0000000001", "job-0000000001", pool.alice.Name, 40, 1100)))
			},
		},
		{
			name: "unsigned proof",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1010)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
				pool.put(t, namespace.Proofs(), "unsigned", fixtures.Proof("proof-0000000001", "job-0000000001", pool.alice.Name, 40, 1100))
			},
		},
		{
			name: "job from a previous epoch",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 900)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
			},
		},
		{
			name: "claim before epoch start",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1000)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 999)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
			},
		},
		{
			name: "proof submitted before claim",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1010)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1200)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
			},
		},
		{
			name: "proof after grace window",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1010)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1660)
			},
		},
		{
			name: "malformed proof",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1010)
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 0, 1100)
			},
		},
	}

	for _, tt := range testData {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t)
			tt.setup(t, pool)

			report := pool.poll(t)
			assert.Equal(t, 0, report.Accepted)
			assert.GreaterOrEqual(t, report.Rejected, 1)
			assert.Equal(t, 0, pool.collector.ProofCount())

			snapshot, err := pool.collector.Freeze(testEpoch.ID)
			require.NoError(t, err)
			assert.Empty(t, snapshot.Jobs)
		})
	}
}

func TestCollector_Poll_HoldsProofUntilClaimIsRead(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
	claimPath := namespace.Claims() + "/job-0000000001-alice.eth.json"
	pool.store.failGets[claimPath] = true

	report, err := pool.collector.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, PollReport{Jobs: 1, Waiting: 1}, report)
	assert.Equal(t, 0, pool.collector.ProofCount())

	pool.store.failGets[claimPath] = false
	report = pool.poll(t)
	assert.Equal(t, PollReport{Claims: 1, Accepted: 1}, report)

	snapshot, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Jobs, 1)
	assert.Equal(t, "alice.eth", snapshot.Jobs[0].Eligible[0].Identity.Name)
}

func TestCollector_Freeze_RejectsHeldProofs(t *testing.T) {
	testData := []struct {
		name  string
		setup func(t *testing.T, pool *testPool)
	}{
		{
			name: "no prior claim",
			setup: func(t *testing.T, pool *testPool) {
				pool.job(t, "job-0000000001", 1010)
				pool.claim(t, pool.bob, "job-0000000001", entities.ModePPL, 1020)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
			},
		},
		{
			name: "unknown job",
			setup: func(t *testing.T, pool *testPool) {
				pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
				pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
			},
		},
	}

	for _, tt := range testData {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t)
			tt.setup(t, pool)

			report := pool.poll(t)
			assert.Equal(t, 0, report.Accepted)
			assert.Equal(t, 0, report.Rejected)
			assert.Equal(t, 1, report.Waiting)
			assert.Equal(t, PollReport{}, pool.poll(t))

			snapshot, err := pool.collector.Freeze(testEpoch.ID)
			require.NoError(t, err)
			assert.Empty(t, snapshot.Jobs)

			// rejected for good, nothing is carried into the next epoch
			pool.collector.Advance(entities.NewEpoch(8, testEpoch.EndTime, 10*time.Minute))
			assert.Equal(t, PollReport{}, pool.poll(t))
			assert.Equal(t, 0, pool.collector.ProofCount())
		})
	}
}

func TestCollector_Freeze_QueuesHeldProofsSubmittedAfterEnd(t *testing.T) {
	pool := newTestPool(t)
	pool.claim(t, pool.alice, "job-0000000002", entities.ModePPL, 1615)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000002", 40, 1620)

	report := pool.poll(t)
	assert.Equal(t, PollReport{Claims: 1, Waiting: 1}, report)
	snapshot, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Jobs)

	pool.job(t, "job-0000000002", 1610)
	next := entities.NewEpoch(8, testEpoch.EndTime, 10*time.Minute)
	pool.collector.Advance(next)
	report = pool.poll(t)
	assert.Equal(t, 1, report.Jobs)
	assert.Equal(t, 1, report.Accepted)

	snapshot, err = pool.collector.Freeze(next.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Jobs, 1)
	assert.Equal(t, "job-0000000002", snapshot.Jobs[0].Job.JobID)
}

func TestCollector_Poll_AcceptsProofWithinGraceWindow(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1590)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1599)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1659)

	report := pool.poll(t)
	assert.Equal(t, 1, report.Accepted)
}

func TestCollector_Poll_IgnoresDuplicates(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModeSolo, 1020)
	// a second claim by the same provider is ignored, the first one stays
	pool.put(t, namespace.Claims(), "zz-second-claim", pool.alice.SignClaim(fixtures.Claim("job-0000000001", pool.alice.Name, entities.ModePPL, 1030)))

	proof := pool.alice.SignProof(fixtures.Proof("proof-0000000001", "job-0000000001", pool.alice.Name, 40, 1100))
	pool.put(t, namespace.Proofs(), "a", proof)
	pool.put(t, namespace.Proofs(), "b", proof)

	report := pool.poll(t)
	assert.Equal(t, 1, report.Claims)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 2, report.Duplicates)

	// same content under a new path in a later poll
	pool.put(t, namespace.Proofs(), "c", proof)
	report = pool.poll(t)
	assert.Equal(t, PollReport{Duplicates: 1}, report)

	snapshot, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Jobs, 1)
	assert.Equal(t, entities.ModeSolo, snapshot.Jobs[0].Mode)
	assert.Len(t, snapshot.Jobs[0].Eligible, 1)
}

func TestCollector_Poll_CountsOnePayloadOnce(t *testing.T) {
	testData := []struct {
		name  string
		copy  func(pool *testPool, signed *entities.Proof) *entities.Proof
		fresh bool
	}{
		{
			name: "malleated signature",
			copy: func(_ *testPool, signed *entities.Proof) *entities.Proof {
				malleated := *signed
				malleated.Sig = fixtures.Malleate(signed.Sig)
				return &malleated
			},
		},
		{
			name: "unsigned copy",
			copy: func(_ *testPool, signed *entities.Proof) *entities.Proof {
				unsigned := *signed
				unsigned.Sig = ""
				return &unsigned
			},
		},
		{
			name: "same proof id with other metrics",
			copy: func(pool *testPool, _ *entities.Proof) *entities.Proof {
				return pool.alice.SignProof(fixtures.Proof("proof-0000000001", "job-0000000001", pool.alice.Name, 80, 1101))
			},
			fresh: true,
		},
	}

	for _, tt := range testData {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t)
			pool.job(t, "job-0000000001", 1010)
			pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
			pool.claim(t, pool.bob, "job-0000000001", entities.ModePPL, 1021)
			pool.proof(t, pool.bob, "proof-0000000002", "job-0000000001", 40, 1100)

			signed := pool.alice.SignProof(fixtures.Proof("proof-0000000001", "job-0000000001", pool.alice.Name, 40, 1100))
			// the copy sorts first and must not shadow the genuine proof
			pool.put(t, namespace.Proofs(), "a-copy", tt.copy(pool, signed))
			pool.put(t, namespace.Proofs(), "b-genuine", signed)

			report := pool.poll(t)
			assert.Equal(t, 2, report.Accepted)
			assert.Equal(t, 1, report.Rejected+report.Duplicates)

			// and never counts again under a later path
			pool.put(t, namespace.Proofs(), "c-copy", tt.copy(pool, signed))
			report = pool.poll(t)
			assert.Equal(t, 0, report.Accepted)

			snapshot, err := pool.collector.Freeze(testEpoch.ID)
			require.NoError(t, err)
			require.Len(t, snapshot.Jobs, 1)
			require.Len(t, snapshot.Jobs[0].Eligible, 2)
			providers := []string{snapshot.Jobs[0].Eligible[0].Identity.Name, snapshot.Jobs[0].Eligible[1].Identity.Name}
			assert.ElementsMatch(t, []string{"alice.eth", "bob.eth"}, providers)
			if tt.fresh {
				return
			}
			for _, accepted := range snapshot.Jobs[0].Eligible {
				if accepted.Identity.Name == "alice.eth" {
					assert.Equal(t, signed.Sig, accepted.Proof.Sig)
				}
			}
		})
	}
}

func TestCollector_Freeze_SoloKeepsEarliestProofEligible(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModeSolo, 1020)
	pool.claim(t, pool.bob, "job-0000000001", entities.ModeSolo, 1021)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
	pool.proof(t, pool.bob, "proof-0000000002", "job-0000000001", 90, 1090)

	report := pool.poll(t)
	assert.Equal(t, 2, report.Accepted)

	snapshot, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Jobs, 1)
	activity := snapshot.Jobs[0]
	assert.Equal(t, entities.ModeSolo, activity.Mode)
	require.Len(t, activity.Eligible, 1)
	assert.Equal(t, "bob.eth", activity.Eligible[0].Identity.Name)
	require.Len(t, activity.Audit, 1)
	assert.Equal(t, "alice.eth", activity.Audit[0].Identity.Name)
	assert.Equal(t, 2, snapshot.Proofs)
}

func TestCollector_Freeze_ModeOfEarliestClaim(t *testing.T) {
	testData := []struct {
		name     string
		alice    entities.Mode
		aliceTs  int64
		bob      entities.Mode
		bobTs    int64
		expected entities.Mode
	}{
		{name: "earlier ppl claim", alice: entities.ModeSolo, aliceTs: 1030, bob: entities.ModePPL, bobTs: 1020, expected: entities.ModePPL},
		{name: "earlier solo claim", alice: entities.ModeSolo, aliceTs: 1020, bob: entities.ModePPL, bobTs: 1030, expected: entities.ModeSolo},
		{name: "all ppl", alice: entities.ModePPL, aliceTs: 1020, bob: entities.ModePPL, bobTs: 1030, expected: entities.ModePPL},
	}

	for _, tt := range testData {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t)
			pool.job(t, "job-0000000001", 1010)
			pool.claim(t, pool.alice, "job-0000000001", tt.alice, tt.aliceTs)
			pool.claim(t, pool.bob, "job-0000000001", tt.bob, tt.bobTs)
			pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
			pool.proof(t, pool.bob, "proof-0000000002", "job-0000000001", 35, 1100)
			pool.poll(t)

			snapshot, err := pool.collector.Freeze(testEpoch.ID)
			require.NoError(t, err)
			require.Len(t, snapshot.Jobs, 1)
			assert.Equal(t, tt.expected, snapshot.Jobs[0].Mode)
		})
	}
}

func TestCollector_Freeze_WrongEpoch(t *testing.T) {
	pool := newTestPool(t)
	_, err := pool.collector.Freeze(testEpoch.ID + 1)
	assert.Error(t, err)
}

func TestCollector_FreezeQueuesLateObservedProofs(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
	pool.claim(t, pool.bob, "job-0000000001", entities.ModePPL, 1030)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1100)
	pool.poll(t)

	frozen, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)

	// bob's proof is on time but only observed after the freeze
	pool.proof(t, pool.bob, "proof-0000000002", "job-0000000001", 35, 1590)
	report := pool.poll(t)
	assert.Equal(t, PollReport{Queued: 1}, report)

	again, err := pool.collector.Freeze(testEpoch.ID)
	require.NoError(t, err)
	assert.Equal(t, frozen, again)

	// under the next epoch the proof belongs to an epoch-7 job and is discarded
	pool.collector.Advance(entities.NewEpoch(8, testEpoch.EndTime, 10*time.Minute))
	report = pool.poll(t)
	assert.Equal(t, PollReport{Rejected: 1}, report)
	assert.Equal(t, 0, pool.collector.ProofCount())
}

func TestCollector_DefersJobsOfNextEpoch(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000002", 1650)
	pool.claim(t, pool.alice, "job-0000000002", entities.ModeSolo, 1655)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000002", 40, 1670)

	report := pool.poll(t)
	assert.Equal(t, 1, report.Queued)
	assert.False(t, pool.collector.HasActivity())

	next := entities.NewEpoch(8, testEpoch.EndTime, 10*time.Minute)
	pool.collector.Advance(next)
	assert.True(t, pool.collector.HasActivity())
	assert.Equal(t, next, pool.collector.Epoch())

	report = pool.poll(t)
	assert.Equal(t, PollReport{Accepted: 1}, report)

	snapshot, err := pool.collector.Freeze(next.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Jobs, 1)
	assert.Equal(t, "job-0000000002", snapshot.Jobs[0].Job.JobID)
	assert.Equal(t, entities.ModeSolo, snapshot.Jobs[0].Mode)
}

func TestCollector_Advance_PrunesOldJobs(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.claim(t, pool.alice, "job-0000000001", entities.ModePPL, 1020)
	pool.poll(t)

	pool.collector.Advance(entities.NewEpoch(8, testEpoch.EndTime, 10*time.Minute))
	assert.False(t, pool.collector.HasActivity())

	// a proof for the pruned job is unknown now
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000001", 40, 1700)
	report := pool.poll(t)
	assert.Equal(t, PollReport{Rejected: 1}, report)
}

func TestCollector_Poll_RequeuesReplayedProofsOnTransientFailure(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000002", 1650)
	pool.claim(t, pool.alice, "job-0000000002", entities.ModeSolo, 1655)
	pool.proof(t, pool.alice, "proof-0000000001", "job-0000000002", 40, 1670)
	assert.Equal(t, 1, pool.poll(t).Queued)

	pool.collector.Advance(entities.NewEpoch(8, testEpoch.EndTime, 10*time.Minute))
	pool.directory.Err = errors.New("registry unavailable")
	report, err := pool.collector.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, PollReport{}, report)

	pool.directory.Err = nil
	assert.Equal(t, PollReport{Accepted: 1}, pool.poll(t))
	assert.Equal(t, 1, pool.collector.ProofCount())
}

func TestCollector_Poll_RetriesTransientFailures(t *testing.T) {
	pool := newTestPool(t)
	pool.job(t, "job-0000000001", 1010)
	pool.job(t, "job-0000000002", 1011)
	pool.store.failGets[namespace.Jobs()+"/job-0000000002.json"] = true

	pool.directory.Err = errors.New("registry unavailable")
	report, err := pool.collector.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, PollReport{}, report)

	pool.directory.Err = nil
	report, err = pool.collector.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway timeout")
	assert.Equal(t, 1, report.Jobs)

	pool.store.failGets[namespace.Jobs()+"/job-0000000002.json"] = false
	report = pool.poll(t)
	assert.Equal(t, PollReport{Jobs: 1}, report)
}
