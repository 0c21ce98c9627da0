package entities

// EpochSeal is the published wire record of a sealed epoch.
type EpochSeal struct {
	EpochID     string                       `json:"epoch_id"`
	EpochName   string                       `json:"epoch_name"`
	StartTime   int64                        `json:"start_time"`
	EndTime     int64                        `json:"end_time"`
	TotalJobs   int                          `json:"total_jobs"`
	TotalVolume Amount                       `json:"total_volume"`
	// MinerPool is the sum of all payouts, the amount actually paid to providers. Rounding dust of PPL
	// splits is not part of it, it is credited to HiveOps together with the ops shares.
	MinerPool   Amount                       `json:"miner_pool"`
	HiveOps     Amount                       `json:"hive_ops"`
	Settlements map[string]map[string]Amount `json:"settlements"`
	MerkleRoot  string                       `json:"merkle_root"`
	Sig         string                       `json:"sig,omitempty"`
}

func (s *EpochSeal) Unsigned() *EpochSeal {
	unsigned := *s
	unsigned.Sig = ""
	return &unsigned
}

type SealReceipt struct {
	EpochID   uint32
	Path      string
	ContentID string
	Seal      *EpochSeal
	Existing  bool
}

// SealRecord is the local index entry of a published seal.
type SealRecord struct {
	EpochID     uint32 `json:"epochId"`
	EpochKey    string `json:"epochKey"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentID   string `json:"contentId"`
	MerkleRoot  string `json:"merkleRoot"`
	TotalJobs   int    `json:"totalJobs"`
	TotalVolume Amount `json:"totalVolume"`
	SealedAt    int64  `json:"sealedAt"`
}

// GenesisRecord is written to the ledger when an empty ledger opens its first epoch, so that a restart before
// the first seal resumes the same epoch.
type GenesisRecord struct {
	EpochID   string `json:"epoch_id"`
	EpochName string `json:"epoch_name"`
	StartTime int64  `json:"start_time"`
	Sig       string `json:"sig,omitempty"`
}

func (g *GenesisRecord) Unsigned() *GenesisRecord {
	unsigned := *g
	unsigned.Sig = ""
	return &unsigned
}
