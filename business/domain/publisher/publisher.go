package publisher

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/business/canonical"
	"github.com/swarmos/go-epoch-sealer/entities"
	"go.uber.org/zap"
)

type Store interface {
	Put(ctx context.Context, path string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type Signer interface {
	Sign(payload []byte) (string, error)
	Address() string
}

type Recoverer interface {
	Recover(payload []byte, signature string) (string, error)
}

var errGenesisRecorded = errors.New("genesis already recorded")

type Config struct {
	Namespace       entities.Namespace
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

type Publisher struct {
	store     Store
	signer    Signer
	namespace entities.Namespace
	config    Config
	logger    *zap.SugaredLogger
}

func NewPublisher(store Store, signer Signer, cfg Config, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		store:     store,
		signer:    signer,
		namespace: cfg.Namespace,
		config:    cfg,
		logger:    logger,
	}
}

// Publish signs the seal of epochID and writes it to the ledger. A seal that is already published is never
// overwritten: the published one is returned with ErrDoubleSealAttempt.
func (p *Publisher) Publish(ctx context.Context, epochID uint32, seal *entities.EpochSeal) (*entities.SealReceipt, error) {
	var receipt *entities.SealReceipt
	operation := func() error {
		var err error
		receipt, err = p.publish(ctx, epochID, seal)
		if errors.Is(err, entities.ErrDoubleSealAttempt) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warnw("Publishing seal failed", "epoch", entities.EpochKey(epochID), "error", err, "retryIn", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.newBackOff(), ctx), notify)
	if errors.Is(err, entities.ErrDoubleSealAttempt) {
		return receipt, err
	}
	if err != nil {
		return nil, errors.Wrapf(entities.ErrSealPublishFailure, "epoch [%d]: %v", epochID, err)
	}
	return receipt, nil
}

func (p *Publisher) publish(ctx context.Context, epochID uint32, seal *entities.EpochSeal) (*entities.SealReceipt, error) {
	sealPath := p.namespace.SealPath(epochID)

	existing, err := p.Existing(ctx, epochID)
	if err == nil {
		receipt := entities.SealReceipt{EpochID: epochID, Path: sealPath, Seal: existing, Existing: true}
		return &receipt, errors.Wrapf(entities.ErrDoubleSealAttempt, "epoch [%d] at [%s]", epochID, sealPath)
	}
	if !errors.Is(err, entities.ErrNotFound) {
		return nil, errors.Wrap(err, "checking for existing seal")
	}

	payload, err := canonical.Encode(seal.Unsigned())
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "encoding unsigned seal"))
	}
	sig, err := p.signer.Sign(payload)
	if err != nil {
		return nil, errors.Wrap(err, "signing seal")
	}

	signed := *seal
	signed.Sig = sig
	data, err := canonical.Encode(&signed)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "encoding signed seal"))
	}

	contentID, err := p.store.Put(ctx, sealPath, data)
	if err != nil {
		return nil, errors.Wrapf(err, "writing seal to [%s]", sealPath)
	}
	p.logger.Infow("Published seal", "epoch", signed.EpochID, "name", signed.EpochName, "path", sealPath, "cid", contentID, "root", signed.MerkleRoot)

	return &entities.SealReceipt{
		EpochID:   epochID,
		Path:      sealPath,
		ContentID: contentID,
		Seal:      &signed,
	}, nil
}

func (p *Publisher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.config.InitialInterval > 0 {
		b.InitialInterval = p.config.InitialInterval
	}
	if p.config.MaxInterval > 0 {
		b.MaxInterval = p.config.MaxInterval
	}
	if p.config.MaxElapsedTime > 0 {
		b.MaxElapsedTime = p.config.MaxElapsedTime
	}
	b.Reset()
	return b
}

// Existing returns the published seal of epochID or ErrNotFound.
func (p *Publisher) Existing(ctx context.Context, epochID uint32) (*entities.EpochSeal, error) {
	data, err := p.store.Get(ctx, p.namespace.SealPath(epochID))
	if err != nil {
		return nil, err
	}
	var seal entities.EpochSeal
	if err := json.Unmarshal(data, &seal); err != nil {
		return nil, errors.Wrapf(err, "decoding seal of epoch [%d]", epochID)
	}
	return &seal, nil
}

// Latest returns the highest published epoch id. Found is false on an empty ledger.
func (p *Publisher) Latest(ctx context.Context) (epochID uint32, found bool, err error) {
	paths, err := p.store.List(ctx, p.namespace.Epochs())
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "listing sealed epochs")
	}
	for _, sealPath := range paths {
		if strings.HasSuffix(sealPath, entities.OpenedSuffix) {
			continue
		}
		id, err := entities.ParseEpochKey(path.Base(sealPath))
		if err != nil {
			p.logger.Warnw("Ignoring unexpected ledger entry", "path", sealPath, "error", err)
			continue
		}
		if !found || id > epochID {
			epochID = id
			found = true
		}
	}
	return epochID, found, nil
}

// RecordGenesis writes the signed genesis record of epoch. An existing record is left in place.
func (p *Publisher) RecordGenesis(ctx context.Context, epoch entities.Epoch) error {
	recordPath := p.namespace.OpenedPath(epoch.ID)
	operation := func() error {
		_, err := p.store.Get(ctx, recordPath)
		if err == nil {
			return backoff.Permanent(errGenesisRecorded)
		}
		if !errors.Is(err, entities.ErrNotFound) {
			return errors.Wrap(err, "checking for genesis record")
		}

		record := entities.GenesisRecord{EpochID: epoch.Key(), EpochName: epoch.Name, StartTime: epoch.StartTime.Unix()}
		payload, err := canonical.Encode(record.Unsigned())
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "encoding genesis record"))
		}
		if record.Sig, err = p.signer.Sign(payload); err != nil {
			return errors.Wrap(err, "signing genesis record")
		}
		data, err := canonical.Encode(&record)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "encoding signed genesis record"))
		}
		if _, err := p.store.Put(ctx, recordPath, data); err != nil {
			return errors.Wrapf(err, "writing genesis record to [%s]", recordPath)
		}
		p.logger.Infow("Recorded genesis epoch", "epoch", record.EpochID, "start", record.StartTime, "path", recordPath)
		return nil
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warnw("Recording genesis epoch failed", "epoch", epoch.Key(), "error", err, "retryIn", next)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(p.newBackOff(), ctx), notify)
	if errors.Is(err, errGenesisRecorded) {
		return nil
	}
	return err
}

// Genesis returns the id and start time of the genesis record with the highest epoch id, or ErrNotFound.
func (p *Publisher) Genesis(ctx context.Context) (uint32, time.Time, error) {
	paths, err := p.store.List(ctx, p.namespace.Epochs())
	if err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return 0, time.Time{}, err
		}
		return 0, time.Time{}, errors.Wrap(err, "listing genesis records")
	}

	var latest *entities.GenesisRecord
	var latestID uint32
	for _, recordPath := range paths {
		if !strings.HasSuffix(recordPath, entities.OpenedSuffix) {
			continue
		}
		id, err := entities.ParseEpochKey(strings.TrimSuffix(path.Base(recordPath), entities.OpenedSuffix))
		if err != nil {
			p.logger.Warnw("Ignoring unexpected ledger entry", "path", recordPath, "error", err)
			continue
		}
		if latest != nil && id <= latestID {
			continue
		}
		data, err := p.store.Get(ctx, recordPath)
		if err != nil {
			return 0, time.Time{}, errors.Wrapf(err, "reading genesis record [%s]", recordPath)
		}
		var record entities.GenesisRecord
		if err := json.Unmarshal(data, &record); err != nil {
			p.logger.Warnw("Ignoring malformed genesis record", "path", recordPath, "error", err)
			continue
		}
		latest, latestID = &record, id
	}
	if latest == nil {
		return 0, time.Time{}, errors.Wrap(entities.ErrNotFound, "no genesis record")
	}
	return latestID, time.Unix(latest.StartTime, 0), nil
}

// VerifySeal checks that seal was signed by controller and that its totals add up.
func VerifySeal(seal *entities.EpochSeal, recoverer Recoverer, controller string) error {
	if seal.Sig == "" {
		return entities.ErrUnsignedRecord
	}
	payload, err := canonical.Encode(seal.Unsigned())
	if err != nil {
		return errors.Wrap(err, "encoding unsigned seal")
	}
	signer, err := recoverer.Recover(payload, seal.Sig)
	if err != nil {
		return errors.Wrapf(entities.ErrInvalidSignature, "recovering seal signer: %v", err)
	}
	if !strings.EqualFold(signer, controller) {
		return errors.Wrapf(entities.ErrInvalidSignature, "seal signed by [%s], expected [%s]", signer, controller)
	}

	var paid entities.Amount
	for _, payouts := range seal.Settlements {
		paid += entities.SumAmounts(payouts)
	}
	if paid != seal.MinerPool {
		return errors.Wrapf(entities.ErrMalformedRecord, "payouts [%s] do not match miner pool [%s]", paid, seal.MinerPool)
	}
	if seal.MinerPool+seal.HiveOps != seal.TotalVolume {
		return errors.Wrapf(entities.ErrMalformedRecord, "miner pool [%s] and hive ops [%s] do not add up to [%s]", seal.MinerPool, seal.HiveOps, seal.TotalVolume)
	}
	if seal.TotalJobs != len(seal.Settlements) {
		return errors.Wrapf(entities.ErrMalformedRecord, "total jobs [%d] but [%d] settlements", seal.TotalJobs, len(seal.Settlements))
	}
	return nil
}
