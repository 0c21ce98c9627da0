package epoch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmos/go-epoch-sealer/business/domain/collector"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/swarmos/go-epoch-sealer/infrastructure/store/memstore"
	"go.uber.org/zap"
)

type FakePoller struct {
	mutex sync.Mutex
	calls int
	err   error
}

func (f *FakePoller) Poll(_ context.Context) (collector.PollReport, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	return collector.PollReport{Accepted: 1}, f.err
}

func (f *FakePoller) ProofCount() int {
	return 3
}

func (f *FakePoller) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type FakeHeartbeats struct {
	mutex sync.Mutex
	sent  []entities.Heartbeat
}

func (f *FakeHeartbeats) Heartbeat(_ context.Context, heartbeat entities.Heartbeat) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, heartbeat)
	return nil
}

func (f *FakeHeartbeats) Sent() []entities.Heartbeat {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]entities.Heartbeat(nil), f.sent...)
}

func TestProcessor_Heartbeat(t *testing.T) {
	h := newHarness(t, newActors(), memstore.New(), 0, 1000)
	_, err := h.machine.Recover(context.Background())
	require.NoError(t, err)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	proc := NewProcessor(h.machine, &FakePoller{}, &FakeHeartbeats{}, h.clock, ProcessorConfig{Controller: "controller.swarmos.eth"}, logger.Sugar())
	h.clock.Set(1120)

	assert.Equal(t, entities.Heartbeat{
		Controller:    "controller.swarmos.eth",
		CurrentEpoch:  "epoch-0001",
		EpochStatus:   "open",
		EpochProofs:   3,
		UptimeSeconds: 120,
		Timestamp:     1120,
	}, proc.Heartbeat())
}

func TestProcessor_StartProcessing(t *testing.T) {
	h := newHarness(t, newActors(), memstore.New(), 0, 1000)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	poller := &FakePoller{err: errors.New("store unavailable")}
	heartbeats := &FakeHeartbeats{}
	proc := NewProcessor(h.machine, poller, heartbeats, h.clock, ProcessorConfig{
		Controller:        "controller.swarmos.eth",
		PollInterval:      5 * time.Millisecond,
		BoundaryInterval:  5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	}, logger.Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = proc.StartProcessing(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Positive(t, poller.Calls())
	require.NotEmpty(t, heartbeats.Sent())
	assert.Equal(t, "epoch-0001", heartbeats.Sent()[0].CurrentEpoch)
	require.Error(t, proc.LastError())
	assert.Contains(t, proc.LastError().Error(), "store unavailable")
}

func TestProcessor_StartProcessing_RetriesRecovery(t *testing.T) {
	store := memstore.New()
	h := newHarness(t, newActors(), store, 0, 1000)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	// the genesis record cannot be written
	store.SetFailPuts(1_000_000)
	poller := &FakePoller{}
	heartbeats := &FakeHeartbeats{}
	proc := NewProcessor(h.machine, poller, heartbeats, h.clock, ProcessorConfig{
		Controller:          "controller.swarmos.eth",
		PollInterval:        5 * time.Millisecond,
		BoundaryInterval:    5 * time.Millisecond,
		HeartbeatInterval:   5 * time.Millisecond,
		RecoveryMaxInterval: 10 * time.Millisecond,
	}, logger.Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- proc.StartProcessing(ctx)
	}()

	require.Eventually(t, func() bool {
		err := proc.LastError()
		return err != nil && strings.Contains(err.Error(), "recovering epoch state")
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.machine.Recovered())
	assert.Zero(t, poller.Calls())
	assert.Empty(t, heartbeats.Sent())

	store.SetFailPuts(0)
	require.Eventually(t, func() bool {
		return h.machine.Recovered() && proc.LastError() == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "epoch-0001", h.machine.Current().Key())
	require.Eventually(t, func() bool { return poller.Calls() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
