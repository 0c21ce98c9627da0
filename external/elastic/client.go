package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

// Client indexes the settlements of every sealed epoch so that they can be searched by provider or job.
type Client struct {
	index string
	bulk  esapi.Bulk
}

func NewClient(address, index string, timeout time.Duration) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{address},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
		},
	}

	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating elasticsearch client")
	}
	return NewClientWithElastic(esClient, index), nil
}

func NewClientWithElastic(esClient *elasticsearch.Client, index string) *Client {
	return &Client{
		index: index,
		bulk:  esClient.Bulk,
	}
}

type SettlementDocument struct {
	EpochID    string                     `json:"epochId"`
	EpochName  string                     `json:"epochName"`
	StartTime  int64                      `json:"startTime"`
	EndTime    int64                      `json:"endTime"`
	MerkleRoot string                     `json:"merkleRoot"`
	ContentID  string                     `json:"contentId"`
	JobID      string                     `json:"jobId"`
	Mode       entities.Mode              `json:"mode"`
	Reward     entities.Amount            `json:"reward"`
	MinerPool  entities.Amount            `json:"minerPool"`
	HiveOps    entities.Amount            `json:"hiveOps"`
	Providers  []string                   `json:"providers"`
	Payouts    map[string]entities.Amount `json:"payouts"`
}

func documentID(epochKey, jobID string) string {
	return fmt.Sprintf("%s-%s", epochKey, jobID)
}

func (es *Client) SealPublished(ctx context.Context, receipt *entities.SealReceipt, settlements []entities.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}
	var buf bytes.Buffer

	for _, settlement := range settlements {
		meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, es.index, documentID(receipt.Seal.EpochID, settlement.JobID), "\n"))
		buf.Write(meta)

		data, err := json.Marshal(newDocument(receipt, settlement))
		if err != nil {
			return errors.Wrapf(err, "serializing settlement of job [%s]", settlement.JobID)
		}
		buf.Write(data)
		buf.Write([]byte("\n"))
	}

	res, err := es.bulk(bytes.NewReader(buf.Bytes()), es.bulk.WithContext(ctx), es.bulk.WithRefresh("true"))
	if err != nil {
		return errors.Wrap(err, "bulk request failed")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("bulk request error: %s", res.String())
	}

	var bulkResponse struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResponse); err != nil {
		return errors.Wrap(err, "decoding bulk response")
	}
	if bulkResponse.Errors {
		return errors.Errorf("bulk request for epoch [%s] had item errors", receipt.Seal.EpochID)
	}
	return nil
}

func newDocument(receipt *entities.SealReceipt, settlement entities.Settlement) SettlementDocument {
	providers := make([]string, 0, len(settlement.Payouts))
	for provider := range settlement.Payouts {
		providers = append(providers, provider)
	}
	slices.Sort(providers)
	return SettlementDocument{
		EpochID:    receipt.Seal.EpochID,
		EpochName:  receipt.Seal.EpochName,
		StartTime:  receipt.Seal.StartTime,
		EndTime:    receipt.Seal.EndTime,
		MerkleRoot: receipt.Seal.MerkleRoot,
		ContentID:  receipt.ContentID,
		JobID:      settlement.JobID,
		Mode:       settlement.Mode,
		Reward:     settlement.Reward,
		MinerPool:  settlement.MinerPool,
		HiveOps:    settlement.OpsCredit(),
		Providers:  providers,
		Payouts:    settlement.Payouts,
	}
}
