package elastic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmos/go-epoch-sealer/entities"
)

type FakeTransport struct {
	mutex    sync.Mutex
	bodies   [][]byte
	status   int
	response string
}

func (f *FakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.bodies = append(f.bodies, body)
	header := http.Header{}
	header.Set("X-Elastic-Product", "Elasticsearch")
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: f.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(f.response)),
		Request:    req,
	}, nil
}

func newTestClient(t *testing.T, transport *FakeTransport) *Client {
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://localhost:9200"},
		Transport: transport,
	})
	require.NoError(t, err)
	return NewClientWithElastic(esClient, "swarmos-settlements")
}

func testReceipt() (*entities.SealReceipt, []entities.Settlement) {
	settlements := []entities.Settlement{
		{
			JobID:     "job-001",
			Mode:      entities.ModePPL,
			Reward:    100_000,
			MinerPool: 75_000,
			OpsShare:  25_000,
			Payouts:   map[string]entities.Amount{"bob.eth": 30_000, "alice.eth": 45_000},
		},
		{
			JobID:     "job-002",
			Mode:      entities.ModeSolo,
			Reward:    100_000,
			MinerPool: 75_000,
			OpsShare:  25_000,
			Payouts:   map[string]entities.Amount{"carol.eth": 75_000},
		},
	}
	receipt := &entities.SealReceipt{
		EpochID:   7,
		Path:      "/swarmledger/epochs/epoch-0007.json",
		ContentID: "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		Seal: &entities.EpochSeal{
			EpochID:    "epoch-0007",
			EpochName:  "Hotel",
			StartTime:  1000,
			EndTime:    1600,
			MerkleRoot: "0x01",
		},
	}
	return receipt, settlements
}

func TestClient_SealPublished(t *testing.T) {
	transport := &FakeTransport{status: http.StatusOK, response: `{"took":3,"errors":false,"items":[]}`}
	client := newTestClient(t, transport)

	receipt, settlements := testReceipt()
	err := client.SealPublished(context.Background(), receipt, settlements)
	require.NoError(t, err)

	require.Len(t, transport.bodies, 1)
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(transport.bodies[0]))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 4)
	assert.Equal(t, `{ "index": { "_index": "swarmos-settlements", "_id": "epoch-0007-job-001" } }`, lines[0])
	assert.Equal(t, `{ "index": { "_index": "swarmos-settlements", "_id": "epoch-0007-job-002" } }`, lines[2])

	var document SettlementDocument
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &document))
	assert.Equal(t, SettlementDocument{
		EpochID:    "epoch-0007",
		EpochName:  "Hotel",
		StartTime:  1000,
		EndTime:    1600,
		MerkleRoot: "0x01",
		ContentID:  "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		JobID:      "job-001",
		Mode:       entities.ModePPL,
		Reward:     100_000,
		MinerPool:  75_000,
		HiveOps:    25_000,
		Providers:  []string{"alice.eth", "bob.eth"},
		Payouts:    map[string]entities.Amount{"bob.eth": 30_000, "alice.eth": 45_000},
	}, document)
}

func TestClient_SealPublished_Errors(t *testing.T) {
	testData := []struct {
		name     string
		status   int
		response string
	}{
		{name: "request error", status: http.StatusBadRequest, response: `{"error":"bad request"}`},
		{name: "item errors", status: http.StatusOK, response: `{"took":3,"errors":true,"items":[]}`},
	}
	for _, tt := range testData {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, &FakeTransport{status: tt.status, response: tt.response})
			receipt, settlements := testReceipt()
			assert.Error(t, client.SealPublished(context.Background(), receipt, settlements))
		})
	}
}

func TestClient_SealPublished_NoSettlements(t *testing.T) {
	transport := &FakeTransport{status: http.StatusOK, response: `{}`}
	client := newTestClient(t, transport)
	receipt, _ := testReceipt()

	require.NoError(t, client.SealPublished(context.Background(), receipt, nil))
	assert.Empty(t, transport.bodies)
}
