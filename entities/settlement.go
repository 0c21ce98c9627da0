package entities

type Settlement struct {
	JobID     string            `json:"job_id"`
	Mode      Mode              `json:"mode"`
	Reward    Amount            `json:"reward"`
	MinerPool Amount            `json:"miner_pool"`
	OpsShare  Amount            `json:"ops_share"`
	Dust      Amount            `json:"dust"`
	Payouts   map[string]Amount `json:"payouts"`
}

func (s Settlement) PaidOut() Amount {
	return SumAmounts(s.Payouts)
}

// OpsCredit is everything the operations account receives from the job.
func (s Settlement) OpsCredit() Amount {
	return s.OpsShare + s.Dust
}
