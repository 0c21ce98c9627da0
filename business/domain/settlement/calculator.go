package settlement

import (
	"context"
	"math"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
	"golang.org/x/sync/errgroup"
)

const basisPoints = 10_000

const DefaultMinerShareBps = 7_500
const DefaultOpsShareBps = 2_500

type Calculator struct {
	minerShareBps uint64
	numWorkers    int
}

func NewCalculator(minerShareBps, opsShareBps uint64, numWorkers int) (*Calculator, error) {
	if minerShareBps+opsShareBps != basisPoints {
		return nil, errors.Errorf("miner share [%d] and ops share [%d] must add up to %d basis points", minerShareBps, opsShareBps, basisPoints)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Calculator{
		minerShareBps: minerShareBps,
		numWorkers:    numWorkers,
	}, nil
}

// Settle distributes the reward of job over its accepted proofs.
func (c *Calculator) Settle(job *entities.Job, mode entities.Mode, proofs []entities.AcceptedProof) (entities.Settlement, error) {
	if len(proofs) == 0 {
		return entities.Settlement{}, errors.Wrapf(entities.ErrNoProofsForJob, "job [%s]", job.JobID)
	}
	reward, err := job.RewardAmount()
	if err != nil {
		return entities.Settlement{}, errors.Wrapf(err, "job [%s] reward", job.JobID)
	}

	minerPool := c.minerPool(reward)
	settlement := entities.Settlement{
		JobID:     job.JobID,
		Mode:      mode,
		Reward:    reward,
		MinerPool: minerPool,
		OpsShare:  reward - minerPool,
	}

	switch mode {
	case entities.ModeSolo:
		winner := Winner(proofs)
		settlement.Payouts = map[string]entities.Amount{winner.Identity.Name: minerPool}
	case entities.ModePPL:
		settlement.Payouts = proportional(minerPool, proofs)
		settlement.Dust = minerPool - settlement.PaidOut()
	default:
		return entities.Settlement{}, errors.Errorf("job [%s] has unknown mode [%s]", job.JobID, mode)
	}
	return settlement, nil
}

// SettleAll settles every job concurrently. Jobs without proofs are left out. The result is ordered by job id.
func (c *Calculator) SettleAll(ctx context.Context, jobs []entities.JobActivity) ([]entities.Settlement, error) {
	results := make([]*entities.Settlement, len(jobs))

	errorGroup, _ := errgroup.WithContext(ctx)
	errorGroup.SetLimit(c.numWorkers)
	for i, activity := range jobs {
		errorGroup.Go(func() error {
			settlement, err := c.Settle(activity.Job, activity.Mode, activity.Eligible)
			if errors.Is(err, entities.ErrNoProofsForJob) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = &settlement
			return nil
		})
	}
	if err := errorGroup.Wait(); err != nil {
		return nil, errors.Wrap(err, "settling jobs")
	}

	settlements := make([]entities.Settlement, 0, len(jobs))
	for _, settlement := range results {
		if settlement != nil {
			settlements = append(settlements, *settlement)
		}
	}
	sort.Slice(settlements, func(i, j int) bool {
		return settlements[i].JobID < settlements[j].JobID
	})
	return settlements, nil
}

func (c *Calculator) minerPool(reward entities.Amount) entities.Amount {
	pool := sdkmath.NewUint(uint64(reward)).MulUint64(c.minerShareBps).QuoUint64(basisPoints)
	return entities.Amount(pool.Uint64())
}

// Winner returns the earliest submitted proof. Equal timestamps go to the smaller content hash.
func Winner(proofs []entities.AcceptedProof) entities.AcceptedProof {
	winner := proofs[0]
	for _, proof := range proofs[1:] {
		if earlier(proof, winner) {
			winner = proof
		}
	}
	return winner
}

func earlier(a, b entities.AcceptedProof) bool {
	if a.Proof.Timestamp != b.Proof.Timestamp {
		return a.Proof.Timestamp < b.Proof.Timestamp
	}
	return a.Hash < b.Hash
}

// SortByPrecedence orders proofs the way Winner ranks them.
func SortByPrecedence(proofs []entities.AcceptedProof) {
	sort.SliceStable(proofs, func(i, j int) bool {
		return earlier(proofs[i], proofs[j])
	})
}

// proportional splits pool by compute seconds, rounding every share down to one micro-unit.
func proportional(pool entities.Amount, proofs []entities.AcceptedProof) map[string]entities.Amount {
	total := sdkmath.ZeroUint()
	seconds := make([]sdkmath.Uint, len(proofs))
	for i, proof := range proofs {
		seconds[i] = sdkmath.NewUint(microseconds(proof.Proof.ComputeSeconds()))
		total = total.Add(seconds[i])
	}

	payouts := make(map[string]entities.Amount, len(proofs))
	if total.IsZero() {
		return payouts
	}
	poolUnits := sdkmath.NewUint(uint64(pool))
	for i, proof := range proofs {
		share := poolUnits.Mul(seconds[i]).Quo(total)
		payouts[proof.Identity.Name] += entities.Amount(share.Uint64())
	}
	return payouts
}

func microseconds(seconds float64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(math.Round(seconds * 1e6))
}
