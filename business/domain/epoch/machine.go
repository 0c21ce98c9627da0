package epoch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/business/domain/collector"
	"github.com/swarmos/go-epoch-sealer/business/domain/merkle"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/swarmos/go-epoch-sealer/infrastructure/metrics"
	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Collector interface {
	Poll(ctx context.Context) (collector.PollReport, error)
	Freeze(epochID uint32) (*entities.EpochSnapshot, error)
	Advance(next entities.Epoch)
	HasActivity() bool
	ProofCount() int
}

type Calculator interface {
	SettleAll(ctx context.Context, jobs []entities.JobActivity) ([]entities.Settlement, error)
}

type Publisher interface {
	Publish(ctx context.Context, epochID uint32, seal *entities.EpochSeal) (*entities.SealReceipt, error)
	Existing(ctx context.Context, epochID uint32) (*entities.EpochSeal, error)
	Latest(ctx context.Context) (epochID uint32, found bool, err error)
	RecordGenesis(ctx context.Context, epoch entities.Epoch) error
	Genesis(ctx context.Context) (uint32, time.Time, error)
}

type SealIndex interface {
	RecordSeal(record entities.SealRecord) error
	GetSealRecord(epochID uint32) (*entities.SealRecord, error)
}

// Resetter drops state that must not outlive an epoch, like cached identities.
type Resetter interface {
	ResetEpoch()
}

// SealSink is notified after a seal is published. Failures are logged and never undo the seal.
type SealSink interface {
	SealPublished(ctx context.Context, receipt *entities.SealReceipt, settlements []entities.Settlement) error
}

type epochOpener interface {
	EpochOpened(ctx context.Context, epoch entities.Epoch) error
}

type Config struct {
	Duration time.Duration
	Grace    time.Duration
	// StartID is the first epoch id of an empty ledger.
	StartID uint32
}

// Machine drives the current epoch through open, active, closing and sealed.
type Machine struct {
	clock      Clock
	collector  Collector
	calculator Calculator
	publisher  Publisher
	index      SealIndex
	resetter   Resetter
	sinks      []SealSink
	config     Config
	metrics    *metrics.ProcessingMetrics
	logger     *zap.SugaredLogger

	mutex      sync.Mutex
	current    entities.Epoch
	recovered  bool
	lastSealed *entities.SealRecord
}

func NewMachine(clock Clock, c Collector, calculator Calculator, publisher Publisher, index SealIndex, resetter Resetter,
	cfg Config, m *metrics.ProcessingMetrics, logger *zap.SugaredLogger, sinks ...SealSink) *Machine {

	return &Machine{
		clock:      clock,
		collector:  c,
		calculator: calculator,
		publisher:  publisher,
		index:      index,
		resetter:   resetter,
		sinks:      sinks,
		config:     cfg,
		metrics:    m,
		logger:     logger,
	}
}

// Recover derives the current epoch from the ledger. The epoch after the latest published seal is opened
// where that seal ended. Without seals the recorded genesis epoch is resumed, or a new one is recorded now.
func (m *Machine) Recover(ctx context.Context) (entities.Epoch, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	latest, found, err := m.publisher.Latest(ctx)
	if err != nil {
		return entities.Epoch{}, errors.Wrap(err, "finding latest seal")
	}

	var next entities.Epoch
	if !found {
		if next, err = m.genesisLocked(ctx); err != nil {
			return entities.Epoch{}, err
		}
	} else {
		seal, err := m.publisher.Existing(ctx, latest)
		if err != nil {
			return entities.Epoch{}, errors.Wrapf(err, "reading seal of epoch [%d]", latest)
		}
		if m.config.StartID > latest+1 {
			m.logger.Warnw("Ignoring start id, the ledger already holds seals", "startId", m.config.StartID, "latest", latest)
		}
		m.reconcileIndex(latest, seal)
		next = entities.NewEpoch(latest+1, time.Unix(seal.EndTime, 0), m.config.Duration)
		m.logger.Infow("Recovered from ledger", "lastSealed", seal.EpochID, "epoch", next.Key(), "name", next.Name, "start", next.StartTime.Unix())
	}

	m.current = next
	m.recovered = true
	m.collector.Advance(next)
	m.metrics.SetCurrentEpoch(next.ID)
	m.announceOpened(ctx, next)
	return next, nil
}

func (m *Machine) genesisLocked(ctx context.Context) (entities.Epoch, error) {
	id, start, err := m.publisher.Genesis(ctx)
	if err == nil {
		genesis := entities.NewEpoch(id, start, m.config.Duration)
		m.logger.Infow("Resuming genesis epoch", "epoch", genesis.Key(), "name", genesis.Name, "start", genesis.StartTime.Unix())
		return genesis, nil
	}
	if !errors.Is(err, entities.ErrNotFound) {
		return entities.Epoch{}, errors.Wrap(err, "reading genesis record")
	}

	genesis := entities.NewEpoch(max(m.config.StartID, 1), m.clock.Now().Truncate(time.Second), m.config.Duration)
	if err := m.publisher.RecordGenesis(ctx, genesis); err != nil {
		return entities.Epoch{}, errors.Wrap(err, "recording genesis epoch")
	}
	m.logger.Infow("Empty ledger, opening genesis epoch", "epoch", genesis.Key(), "name", genesis.Name, "start", genesis.StartTime.Unix())
	return genesis, nil
}

// Recovered reports whether the epoch state was derived from the ledger.
func (m *Machine) Recovered() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.recovered
}

// reconcileIndex adds the latest seal to the local index when the index missed it.
func (m *Machine) reconcileIndex(epochID uint32, seal *entities.EpochSeal) {
	record, err := m.index.GetSealRecord(epochID)
	if err == nil {
		m.lastSealed = record
		return
	}
	if !errors.Is(err, entities.ErrNotFound) {
		m.logger.Warnw("Reading seal index", "epoch", epochID, "error", err)
		return
	}
	rebuilt := sealRecord(epochID, "", "", seal, 0)
	if err := m.index.RecordSeal(rebuilt); err != nil {
		m.logger.Warnw("Indexing recovered seal", "epoch", epochID, "error", err)
	}
	m.lastSealed = &rebuilt
}

// Advance applies every transition the clock allows. A failed publish leaves the epoch closing.
func (m *Machine) Advance(ctx context.Context) (entities.Epoch, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.recovered {
		return entities.Epoch{}, errors.New("epoch state not recovered")
	}

	now := m.clock.Now()
	if m.current.Status == entities.EpochOpen && m.collector.HasActivity() {
		m.setStatusLocked(entities.EpochActive)
	}
	if (m.current.Status == entities.EpochOpen || m.current.Status == entities.EpochActive) && !now.Before(m.current.EndTime) {
		m.setStatusLocked(entities.EpochClosing)
	}
	if m.current.Status == entities.EpochClosing && !now.Before(m.current.EndTime.Add(m.config.Grace)) {
		if _, err := m.sealLocked(ctx); err != nil {
			return m.current, err
		}
	}
	return m.current, nil
}

// SealEpoch returns the seal of epochID. Published epochs are read back without writing. The current epoch
// is sealed only once its grace window has elapsed.
func (m *Machine) SealEpoch(ctx context.Context, epochID uint32) (*entities.EpochSeal, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.recovered {
		return nil, errors.New("epoch state not recovered")
	}

	switch {
	case epochID < m.current.ID:
		seal, err := m.publisher.Existing(ctx, epochID)
		if err != nil {
			return nil, errors.Wrapf(err, "reading seal of epoch [%d]", epochID)
		}
		return seal, nil
	case epochID > m.current.ID:
		return nil, errors.Errorf("epoch [%d] not started, current epoch is [%d]", epochID, m.current.ID)
	}

	deadline := m.current.EndTime.Add(m.config.Grace)
	if m.clock.Now().Before(deadline) {
		return nil, errors.Errorf("epoch [%d] is [%s] until [%d]", epochID, m.current.Status, deadline.Unix())
	}
	m.setStatusLocked(entities.EpochClosing)
	receipt, err := m.sealLocked(ctx)
	if err != nil {
		return nil, err
	}
	return receipt.Seal, nil
}

func (m *Machine) sealLocked(ctx context.Context) (*entities.SealReceipt, error) {
	epoch := m.current

	// pick up everything written before the grace window ended
	if _, err := m.collector.Poll(ctx); err != nil {
		m.logger.Warnw("Final poll before freeze", "epoch", epoch.Key(), "error", err)
	}
	snapshot, err := m.collector.Freeze(epoch.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "freezing epoch [%d]", epoch.ID)
	}
	settlements, err := m.calculator.SettleAll(ctx, snapshot.Jobs)
	if err != nil {
		return nil, errors.Wrapf(err, "settling epoch [%d]", epoch.ID)
	}
	seal, err := merkle.NewSeal(epoch, settlements)
	if err != nil {
		return nil, errors.Wrapf(err, "building seal of epoch [%d]", epoch.ID)
	}

	receipt, err := m.publisher.Publish(ctx, epoch.ID, seal)
	switch {
	case errors.Is(err, entities.ErrDoubleSealAttempt):
		if receipt.Seal.MerkleRoot != seal.MerkleRoot {
			m.logger.Errorw("Published seal differs from local state, keeping the published seal",
				"epoch", epoch.Key(), "published", receipt.Seal.MerkleRoot, "local", seal.MerkleRoot)
		} else {
			m.logger.Infow("Epoch already sealed", "epoch", epoch.Key(), "root", seal.MerkleRoot)
		}
	case err != nil:
		m.metrics.IncPublishFailures()
		return nil, errors.Wrapf(err, "publishing seal of epoch [%d]", epoch.ID)
	}

	m.logger.Infow("Sealed epoch", "epoch", epoch.Key(), "name", epoch.Name, "jobs", receipt.Seal.TotalJobs,
		"volume", receipt.Seal.TotalVolume.String(), "proofs", snapshot.Proofs, "root", receipt.Seal.MerkleRoot)
	m.finishLocked(ctx, receipt, settlements)
	return receipt, nil
}

// finishLocked records the seal and opens the next epoch where the sealed one ended.
func (m *Machine) finishLocked(ctx context.Context, receipt *entities.SealReceipt, settlements []entities.Settlement) {
	m.setStatusLocked(entities.EpochSealed)

	record := sealRecord(receipt.EpochID, receipt.Path, receipt.ContentID, receipt.Seal, m.clock.Now().Unix())
	if err := m.index.RecordSeal(record); err != nil {
		m.logger.Errorw("Indexing seal", "epoch", receipt.Seal.EpochID, "error", err)
	}
	m.lastSealed = &record
	m.metrics.SetSealedEpoch(receipt.EpochID, uint64(receipt.Seal.TotalVolume))

	if !receipt.Existing {
		for _, sink := range m.sinks {
			if err := sink.SealPublished(ctx, receipt, settlements); err != nil {
				m.logger.Warnw("Notifying seal sink", "epoch", receipt.Seal.EpochID, "error", err)
			}
		}
	}

	m.resetter.ResetEpoch()
	next := entities.NewEpoch(m.current.ID+1, m.current.EndTime, m.config.Duration)
	m.collector.Advance(next)
	m.current = next
	m.metrics.SetCurrentEpoch(next.ID)
	m.logger.Infow("Opened epoch", "epoch", next.Key(), "name", next.Name, "start", next.StartTime.Unix(), "end", next.EndTime.Unix())
	m.announceOpened(ctx, next)
}

func (m *Machine) announceOpened(ctx context.Context, epoch entities.Epoch) {
	for _, sink := range m.sinks {
		if opener, ok := sink.(epochOpener); ok {
			if err := opener.EpochOpened(ctx, epoch); err != nil {
				m.logger.Warnw("Announcing opened epoch", "epoch", epoch.Key(), "error", err)
			}
		}
	}
}

func (m *Machine) setStatusLocked(status entities.EpochStatus) {
	if m.current.Status == status {
		return
	}
	m.logger.Infow("Epoch status changed", "epoch", m.current.Key(), "from", m.current.Status, "to", status)
	m.current.Status = status
}

func (m *Machine) Current() entities.Epoch {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.current
}

// LastSealed returns the index entry of the latest seal or nil.
func (m *Machine) LastSealed() *entities.SealRecord {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.lastSealed == nil {
		return nil
	}
	record := *m.lastSealed
	return &record
}

func sealRecord(epochID uint32, path, contentID string, seal *entities.EpochSeal, sealedAt int64) entities.SealRecord {
	return entities.SealRecord{
		EpochID:     epochID,
		EpochKey:    seal.EpochID,
		Name:        seal.EpochName,
		Path:        path,
		ContentID:   contentID,
		MerkleRoot:  seal.MerkleRoot,
		TotalJobs:   seal.TotalJobs,
		TotalVolume: seal.TotalVolume,
		SealedAt:    sealedAt,
	}
}
