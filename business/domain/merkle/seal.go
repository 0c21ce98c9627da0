package merkle

import (
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

// NewSeal assembles the unsigned seal of epoch from its settlements.
func NewSeal(epoch entities.Epoch, settlements []entities.Settlement) (*entities.EpochSeal, error) {
	root, err := Root(settlements)
	if err != nil {
		return nil, errors.Wrapf(err, "building merkle root of epoch [%d]", epoch.ID)
	}

	seal := entities.EpochSeal{
		EpochID:     epoch.Key(),
		EpochName:   epoch.Name,
		StartTime:   epoch.StartTime.Unix(),
		EndTime:     epoch.EndTime.Unix(),
		TotalJobs:   len(settlements),
		Settlements: make(map[string]map[string]entities.Amount, len(settlements)),
		MerkleRoot:  root,
	}
	for _, settlement := range settlements {
		if seal.TotalVolume+settlement.Reward < seal.TotalVolume {
			return nil, errors.Errorf("total volume of epoch [%d] overflows at job [%s]", epoch.ID, settlement.JobID)
		}
		seal.TotalVolume += settlement.Reward
		seal.MinerPool += settlement.PaidOut()
		seal.HiveOps += settlement.OpsCredit()

		payouts := make(map[string]entities.Amount, len(settlement.Payouts))
		for provider, amount := range settlement.Payouts {
			payouts[provider] = amount
		}
		seal.Settlements[settlement.JobID] = payouts
	}
	return &seal, nil
}
