package epoch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/business/domain/collector"
	"github.com/swarmos/go-epoch-sealer/entities"
	"go.uber.org/zap"
)

type Poller interface {
	Poll(ctx context.Context) (collector.PollReport, error)
	ProofCount() int
}

type HeartbeatSender interface {
	Heartbeat(ctx context.Context, heartbeat entities.Heartbeat) error
}

type ProcessorConfig struct {
	Controller        string
	PollInterval      time.Duration
	BoundaryInterval  time.Duration
	HeartbeatInterval time.Duration
	// RecoveryMaxInterval caps the wait between attempts to recover the epoch state, one minute when zero.
	RecoveryMaxInterval time.Duration
}

var errNotRecovered = errors.New("epoch state not recovered")

// Processor runs collection, epoch boundaries and heartbeats on their own tickers.
type Processor struct {
	machine    *Machine
	poller     Poller
	heartbeats HeartbeatSender
	clock      Clock
	config     ProcessorConfig
	started    time.Time
	logger     *zap.SugaredLogger

	recovery     backoff.BackOff
	nextRecovery time.Time
	recoveryErr  error

	mutex      sync.Mutex
	loopErrors map[string]error
}

func NewProcessor(machine *Machine, poller Poller, heartbeats HeartbeatSender, clock Clock, cfg ProcessorConfig, logger *zap.SugaredLogger) *Processor {
	recovery := backoff.NewExponentialBackOff()
	if cfg.BoundaryInterval > 0 {
		recovery.InitialInterval = cfg.BoundaryInterval
	}
	recovery.MaxInterval = time.Minute
	if cfg.RecoveryMaxInterval > 0 {
		recovery.MaxInterval = cfg.RecoveryMaxInterval
	}
	recovery.MaxElapsedTime = 0
	recovery.Reset()

	return &Processor{
		recovery:   recovery,
		machine:    machine,
		poller:     poller,
		heartbeats: heartbeats,
		clock:      clock,
		config:     cfg,
		started:    clock.Now(),
		logger:     logger,
		loopErrors: make(map[string]error),
	}
}

// StartProcessing blocks until ctx is done. When the epoch state cannot be recovered from the ledger the
// boundary loop keeps retrying and polling waits.
func (p *Processor) StartProcessing(ctx context.Context) error {
	p.setError("boundary", p.recoverState(ctx))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.loop(ctx, "poll", p.config.PollInterval, p.poll)
	}()
	go func() {
		defer wg.Done()
		p.loop(ctx, "boundary", p.config.BoundaryInterval, p.boundary)
	}()
	if p.heartbeats != nil && p.config.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, "heartbeat", p.config.HeartbeatInterval, p.heartbeat)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, name string, interval time.Duration, process func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.setError(name, process(ctx))
		}
	}
}

// recoverState is retried with backoff by the boundary loop until it succeeds.
func (p *Processor) recoverState(ctx context.Context) error {
	if time.Now().Before(p.nextRecovery) {
		return p.recoveryErr
	}
	if _, err := p.machine.Recover(ctx); err != nil {
		wait := p.recovery.NextBackOff()
		p.nextRecovery = time.Now().Add(wait)
		p.recoveryErr = errors.Wrap(err, "recovering epoch state")
		p.logger.Errorw("Recovering epoch state", "error", err, "retryIn", wait)
		return p.recoveryErr
	}
	p.recovery.Reset()
	p.recoveryErr = nil
	return nil
}

func (p *Processor) poll(ctx context.Context) error {
	if !p.machine.Recovered() {
		return errNotRecovered
	}
	report, err := p.poller.Poll(ctx)
	if report != (collector.PollReport{}) {
		p.logger.Infow("Polled pool", "jobs", report.Jobs, "claims", report.Claims, "accepted", report.Accepted,
			"rejected", report.Rejected, "duplicates", report.Duplicates, "queued", report.Queued, "waiting", report.Waiting)
	}
	if err != nil {
		p.logger.Errorw("Polling pool", "error", err)
		return errors.Wrap(err, "polling pool")
	}
	return nil
}

func (p *Processor) boundary(ctx context.Context) error {
	if !p.machine.Recovered() {
		return p.recoverState(ctx)
	}
	_, err := p.machine.Advance(ctx)
	if err != nil {
		p.logger.Errorw("Advancing epoch", "error", err)
		return errors.Wrap(err, "advancing epoch")
	}
	return nil
}

func (p *Processor) heartbeat(ctx context.Context) error {
	if !p.machine.Recovered() {
		return nil
	}
	if err := p.heartbeats.Heartbeat(ctx, p.Heartbeat()); err != nil {
		p.logger.Warnw("Sending heartbeat", "error", err)
	}
	return nil
}

// Heartbeat describes the current state of the sealer.
func (p *Processor) Heartbeat() entities.Heartbeat {
	current := p.machine.Current()
	now := p.clock.Now()
	return entities.Heartbeat{
		Controller:    p.config.Controller,
		CurrentEpoch:  current.Key(),
		EpochStatus:   string(current.Status),
		EpochProofs:   p.poller.ProofCount(),
		UptimeSeconds: int64(now.Sub(p.started).Seconds()),
		Timestamp:     now.Unix(),
	}
}

func (p *Processor) setError(loop string, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.loopErrors[loop] = err
}

// LastError returns the error of the latest boundary or poll tick, boundary first, or nil.
func (p *Processor) LastError() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.loopErrors["boundary"]; err != nil {
		return err
	}
	return p.loopErrors["poll"]
}
