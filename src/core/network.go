package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// IntentDispatcher delivers outbound intents to the chain-submission
// collaborator over HTTP. Delivery is asynchronous and retried with
// exponential backoff; the engine treats dispatch as fire-and-forget
// because the timelock sweep is the ultimate backstop for any intent
// that never executes.
type IntentDispatcher struct {
	submitterURL string
	httpClient   *http.Client

	queue  chan Intent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIntentDispatcher creates a dispatcher targeting submitterURL. An
// empty URL disables delivery; intents are logged and dropped.
func NewIntentDispatcher(submitterURL string) *IntentDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &IntentDispatcher{
		submitterURL: submitterURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:  make(chan Intent, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the delivery loop
func (d *IntentDispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop terminates the delivery loop; queued intents are dropped
func (d *IntentDispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Dispatch queues an intent for delivery
func (d *IntentDispatcher) Dispatch(intent Intent) {
	select {
	case d.queue <- intent:
	default:
		logger.Warn("Intent queue full, dropping intent",
			"swapId", intent.SwapID,
			"action", string(intent.Action))
	}
}

func (d *IntentDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case intent := <-d.queue:
			d.deliver(intent)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *IntentDispatcher) deliver(intent Intent) {
	if d.submitterURL == "" {
		logger.Debug("No submitter configured, intent dropped",
			"swapId", intent.SwapID,
			"action", string(intent.Action))
		return
	}

	body, err := json.Marshal(intent)
	if err != nil {
		logger.Error("Failed to marshal intent", "swapId", intent.SwapID, "error", err)
		return
	}

	op := func() error {
		req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, d.submitterURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("submitter returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// The collaborator rejected the intent outright;
			// retrying the same payload cannot succeed.
			return backoff.Permanent(fmt.Errorf("submitter rejected intent: %d", resp.StatusCode))
		}
		return nil
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 2 * time.Minute

	if err := backoff.Retry(op, backoff.WithContext(retry, d.ctx)); err != nil {
		logger.Error("Intent delivery failed",
			"swapId", intent.SwapID,
			"action", string(intent.Action),
			"error", err)
		intentDeliveryFailuresTotal.Inc()
		return
	}

	logger.Debug("Intent delivered",
		"swapId", intent.SwapID,
		"action", string(intent.Action))
}
