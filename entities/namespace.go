package entities

import "path"

type Namespace struct {
	PoolRoot   string
	LedgerRoot string
}

func (n Namespace) Jobs() string {
	return path.Join(n.PoolRoot, "jobs")
}

func (n Namespace) Claims() string {
	return path.Join(n.PoolRoot, "claims")
}

func (n Namespace) Proofs() string {
	return path.Join(n.PoolRoot, "proofs")
}

func (n Namespace) Epochs() string {
	return path.Join(n.LedgerRoot, "epochs")
}

func (n Namespace) SealPath(epochID uint32) string {
	return path.Join(n.Epochs(), EpochKey(epochID)+".json")
}

// OpenedPath is the genesis record of epochID, next to the seals.
func (n Namespace) OpenedPath(epochID uint32) string {
	return path.Join(n.Epochs(), EpochKey(epochID)+OpenedSuffix)
}

const OpenedSuffix = ".open.json"

// SealedTopic and OpenedTopic name the announcements of the epoch lifecycle under the pool root.
func (n Namespace) SealedTopic() string {
	return path.Join(n.PoolRoot, "epochs", "sealed")
}

func (n Namespace) OpenedTopic() string {
	return path.Join(n.PoolRoot, "epochs", "opened")
}

func (n Namespace) HeartbeatTopic() string {
	return path.Join(n.PoolRoot, "heartbeat")
}
