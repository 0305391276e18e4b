package client

import (
	"context"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/bringyour/docsync/docsync"
)

// Handler is one connection attempt. It must return when `ctx` is done.
type Handler func(ctx context.Context) error

type Scheduler interface {
	// attempt now, cancelling any pending or running attempt
	Trigger(handler Handler)
	// attempt after the next backoff delay
	Schedule(handler Handler)
	Stop()
}

var errConnectTimeLimit = errors.New("Connect time limit exceeded")

type OnlineSchedulerSettings struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// each delay is reduced by a random fraction up to `Randomness`
	Randomness float64
	// an attempt that has not succeeded in this time is cancelled and counted as a failure
	ConnectTimeLimit time.Duration
}

func DefaultOnlineSchedulerSettings() *OnlineSchedulerSettings {
	return &OnlineSchedulerSettings{
		InitialDelay:     200 * time.Millisecond,
		Multiplier:       2,
		MaxDelay:         10 * time.Minute,
		Randomness:       0.3,
		ConnectTimeLimit: 20 * time.Second,
	}
}

// OnlineScheduler retries a handler with exponential delay.
// `Wake` is the signal that the network may be back, and runs a pending attempt immediately.
type OnlineScheduler struct {
	settings *OnlineSchedulerSettings

	stateLock sync.Mutex
	backOff   *backoff.ExponentialBackOff
	handler   Handler
	timer     *time.Timer
	// set while an attempt is running
	attemptCancel context.CancelFunc
	// changes on every stop, so stale attempts and timers do nothing
	generation uint64
}

func NewOnlineSchedulerWithDefaults() *OnlineScheduler {
	return NewOnlineScheduler(DefaultOnlineSchedulerSettings())
}

func NewOnlineScheduler(settings *OnlineSchedulerSettings) *OnlineScheduler {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = settings.InitialDelay
	backOff.Multiplier = settings.Multiplier
	backOff.MaxInterval = settings.MaxDelay
	// jitter is applied separately and only ever shortens the delay
	backOff.RandomizationFactor = 0
	backOff.MaxElapsedTime = 0
	backOff.Reset()

	return &OnlineScheduler{
		settings: settings,
		backOff:  backOff,
	}
}

// nextDelay is `min(initial * multiplier^attempt, max) * (1 - rand * randomness)`
// where `attempt` counts the delays taken since the last success.
func (self *OnlineScheduler) nextDelay() time.Duration {
	delay := self.backOff.NextBackOff()
	if delay == backoff.Stop {
		delay = self.settings.MaxDelay
	}
	return time.Duration(float64(delay) * (1 - mathrand.Float64()*self.settings.Randomness))
}

func (self *OnlineScheduler) Trigger(handler Handler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stop()
	self.handler = handler
	self.attempt(self.generation)
}

func (self *OnlineScheduler) Schedule(handler Handler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.schedule(handler)
}

// must hold the state lock
func (self *OnlineScheduler) schedule(handler Handler) {
	if self.attemptCancel != nil {
		self.stop()
	}
	self.handler = handler
	if self.timer != nil {
		return
	}
	delay := self.nextDelay()
	glog.V(1).Infof("[s]reconnect in %s\n", delay)
	generation := self.generation
	self.timer = time.AfterFunc(delay, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.attempt(generation)
	})
}

// Wake runs a pending attempt now.
func (self *OnlineScheduler) Wake() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.attempt(self.generation)
	}
}

// Stop cancels the running attempt and any pending one. It is idempotent.
func (self *OnlineScheduler) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stop()
}

func (self *OnlineScheduler) stop() {
	self.generation += 1
	self.handler = nil
	if self.attemptCancel != nil {
		self.attemptCancel()
		self.attemptCancel = nil
	}
	self.clearTimer()
}

func (self *OnlineScheduler) clearTimer() {
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

// must hold the state lock
func (self *OnlineScheduler) attempt(generation uint64) {
	if generation != self.generation || self.attemptCancel != nil || self.handler == nil {
		return
	}
	self.clearTimer()

	handler := self.handler
	ctx, cancel := context.WithTimeoutCause(
		context.Background(),
		self.settings.ConnectTimeLimit,
		errConnectTimeLimit,
	)
	self.attemptCancel = cancel

	go func() {
		defer cancel()

		done := make(chan error, 1)
		go func() {
			_, err := docsync.CallWithError(func() (struct{}, error) {
				return struct{}{}, handler(ctx)
			})
			done <- err
		}()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			err = context.Cause(ctx)
		}

		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.generation {
			// stopped or retriggered
			return
		}
		self.attemptCancel = nil
		if err == nil {
			self.handler = nil
			self.backOff.Reset()
			return
		}
		glog.Infof("[s]attempt error = %s\n", err)
		self.schedule(handler)
	}()
}
