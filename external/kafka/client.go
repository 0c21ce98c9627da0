package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/twmb/franz-go/pkg/kgo"
)

const topicHeader = "topic"

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Client announces epoch lifecycle events and heartbeats of the sealer.
type Client struct {
	kcl       KafkaClient
	namespace entities.Namespace
}

func NewClient(kafkaClient KafkaClient, namespace entities.Namespace) *Client {
	return &Client{
		kcl:       kafkaClient,
		namespace: namespace,
	}
}

type SealAnnouncement struct {
	EpochID     string          `json:"epoch_id"`
	EpochName   string          `json:"epoch_name"`
	Path        string          `json:"path"`
	ContentID   string          `json:"cid"`
	MerkleRoot  string          `json:"merkle_root"`
	TotalJobs   int             `json:"total_jobs"`
	TotalVolume entities.Amount `json:"total_volume"`
	Settlements int             `json:"settlements"`
}

type EpochAnnouncement struct {
	EpochID   string `json:"epoch_id"`
	EpochName string `json:"epoch_name"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
}

func (kc *Client) SealPublished(ctx context.Context, receipt *entities.SealReceipt, settlements []entities.Settlement) error {
	announcement := SealAnnouncement{
		EpochID:     receipt.Seal.EpochID,
		EpochName:   receipt.Seal.EpochName,
		Path:        receipt.Path,
		ContentID:   receipt.ContentID,
		MerkleRoot:  receipt.Seal.MerkleRoot,
		TotalJobs:   receipt.Seal.TotalJobs,
		TotalVolume: receipt.Seal.TotalVolume,
		Settlements: len(settlements),
	}
	return kc.send(ctx, kc.namespace.SealedTopic(), receipt.EpochID, announcement)
}

func (kc *Client) EpochOpened(ctx context.Context, epoch entities.Epoch) error {
	announcement := EpochAnnouncement{
		EpochID:   epoch.Key(),
		EpochName: epoch.Name,
		StartTime: epoch.StartTime.Unix(),
		EndTime:   epoch.EndTime.Unix(),
	}
	return kc.send(ctx, kc.namespace.OpenedTopic(), epoch.ID, announcement)
}

func (kc *Client) Heartbeat(ctx context.Context, heartbeat entities.Heartbeat) error {
	epochID, err := entities.ParseEpochKey(heartbeat.CurrentEpoch)
	if err != nil {
		return errors.Wrap(err, "parsing heartbeat epoch")
	}
	return kc.send(ctx, kc.namespace.HeartbeatTopic(), epochID, heartbeat)
}

func (kc *Client) send(ctx context.Context, topic string, epochID uint32, value any) error {
	record, err := createRecord(topic, epochID, value)
	if err != nil {
		return err
	}
	if err = kc.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrapf(err, "producing [%s] record", topic)
	}
	return nil
}

func createRecord(topic string, epochID uint32, value any) (*kgo.Record, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling to json")
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, epochID)

	return &kgo.Record{
		Key:     key,
		Value:   payload,
		Headers: []kgo.RecordHeader{{Key: topicHeader, Value: []byte(topic)}},
	}, nil
}
