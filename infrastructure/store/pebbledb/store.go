package pebbledb

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

var ErrNotFound = entities.ErrNotFound

const (
	lastSealedEpochKey = 0x00
	sealRecordKey      = 0x01
)

// Store keeps a local index of published seals. The object store stays authoritative.
type Store struct {
	db *pebble.DB
}

func NewSealIndexStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "sealer-index-store"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}

	return &Store{db: db}, nil
}

// RecordSeal indexes a published seal and advances the last sealed epoch.
// Recording the same seal twice is a no-op. A different root for a recorded epoch is rejected.
func (s *Store) RecordSeal(record entities.SealRecord) error {
	existing, err := s.GetSealRecord(record.EpochID)
	if err == nil {
		if existing.MerkleRoot != record.MerkleRoot {
			return errors.Wrapf(entities.ErrDoubleSealAttempt, "epoch [%d] indexed with root [%s], got [%s]", record.EpochID, existing.MerkleRoot, record.MerkleRoot)
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshalling seal record")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(sealKey(record.EpochID), value, nil); err != nil {
		return errors.Wrapf(err, "setting seal record [%d]", record.EpochID)
	}

	last, err := s.GetLastSealedEpoch()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if record.EpochID > last || errors.Is(err, ErrNotFound) {
		if err := batch.Set([]byte{lastSealedEpochKey}, binary.BigEndian.AppendUint32(nil, record.EpochID), nil); err != nil {
			return errors.Wrap(err, "setting last sealed epoch")
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "committing seal record [%d]", record.EpochID)
	}
	return nil
}

func (s *Store) GetSealRecord(epochID uint32) (*entities.SealRecord, error) {
	value, closer, err := s.db.Get(sealKey(epochID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting seal record [%d]", epochID)
	}
	defer closeQuietly(closer)

	var record entities.SealRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling seal record [%d]", epochID)
	}
	return &record, nil
}

func (s *Store) GetLastSealedEpoch() (uint32, error) {
	value, closer, err := s.db.Get([]byte{lastSealedEpochKey})
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "getting last sealed epoch")
	}
	defer closeQuietly(closer)

	return binary.BigEndian.Uint32(value), nil
}

// ListSealRecords returns up to limit records, newest epoch first.
func (s *Store) ListSealRecords(limit int) ([]entities.SealRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{sealRecordKey},
		UpperBound: []byte{sealRecordKey + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var records []entities.SealRecord
	for iter.Last(); iter.Valid() && (limit <= 0 || len(records) < limit); iter.Prev() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var record entities.SealRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return nil, errors.Wrapf(err, "unmarshalling seal record [%x]", iter.Key())
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sealKey(epochID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{sealRecordKey}, epochID)
}

func closeQuietly(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Printf("[ERROR] closing db value: %v", err)
	}
}
