package main

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// EventSource is the boundary to a per-chain watcher. Implementations
// turn finalized on-chain observations into canonical ChainEvents; the
// engine never touches chain RPC directly. Poll returns events in the
// order the source chain finalized them and re-reports events whose
// finality depth has grown since the last poll.
type EventSource interface {
	Chain() ChainID
	Poll(ctx context.Context) ([]ChainEvent, error)
}

// MonitorRunner drives one EventSource on a fixed poll interval,
// feeding its events to the coordinator. Source errors are retried
// with exponential backoff; a stalled chain produces no events and is
// never treated as a swap failure. The timelock sweep is the backstop.
type MonitorRunner struct {
	source   EventSource
	sink     func(ChainEvent) error
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitorRunner creates a runner feeding sink
func NewMonitorRunner(source EventSource, sink func(ChainEvent) error, interval time.Duration) *MonitorRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &MonitorRunner{
		source:   source,
		sink:     sink,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the polling loop
func (mr *MonitorRunner) Start() {
	mr.wg.Add(1)
	go mr.run()
	logger.Info("Chain monitor started",
		"chain", string(mr.source.Chain()),
		"interval", mr.interval.String())
}

// Stop terminates the polling loop and waits for it to drain
func (mr *MonitorRunner) Stop() {
	mr.cancel()
	mr.wg.Wait()
	logger.Info("Chain monitor stopped", "chain", string(mr.source.Chain()))
}

func (mr *MonitorRunner) run() {
	defer mr.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // retry forever; the chain may stall for a long time

	ticker := time.NewTicker(mr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-mr.ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := mr.source.Poll(mr.ctx)
		if err != nil {
			wait := retry.NextBackOff()
			logger.Warn("Chain poll failed",
				"chain", string(mr.source.Chain()),
				"retryIn", wait.String(),
				"error", err)
			monitorErrorsTotal.WithLabelValues(string(mr.source.Chain())).Inc()
			select {
			case <-time.After(wait):
			case <-mr.ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		for _, ev := range events {
			if err := mr.sink(ev); err != nil {
				logger.Warn("Event rejected at ingest",
					"chain", string(ev.Chain),
					"swapId", ev.SwapID,
					"eventType", string(ev.Type),
					"error", err)
			} else {
				monitorEventsTotal.WithLabelValues(string(ev.Chain), string(ev.Type)).Inc()
			}
		}
	}
}

// ReplaySource is an in-process EventSource fed by tests and by the
// event ingestion API: queued events are drained on the next poll.
type ReplaySource struct {
	chain ChainID

	mu     sync.Mutex
	queued []ChainEvent
}

// NewReplaySource creates an empty source for the given chain
func NewReplaySource(chain ChainID) *ReplaySource {
	return &ReplaySource{chain: chain}
}

// Chain implements EventSource
func (rs *ReplaySource) Chain() ChainID {
	return rs.chain
}

// Push queues an event for the next poll
func (rs *ReplaySource) Push(ev ChainEvent) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.queued = append(rs.queued, ev)
}

// Poll implements EventSource, draining queued events in order
func (rs *ReplaySource) Poll(ctx context.Context) ([]ChainEvent, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.queued
	rs.queued = nil
	return out, nil
}
