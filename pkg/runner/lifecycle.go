package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type LifecycleRunner struct {
	state    int32
	svc      Service
	hooks    Hooks
	drainer  Drainer
	timeout  time.Duration
	stopCh   chan struct{}
	onceStop sync.Once

	// Banner receives the startup banner. Nil disables it.
	Banner io.Writer
}

// NewLifecycleRunner supervises svc. timeout bounds how long the service
// and then the drainer may take after a stop is requested.
func NewLifecycleRunner(svc Service, drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		svc:     svc,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
}

// Run starts the service and blocks until it returns, or until ctx is done
// or Stop is called and the service has wound down. A runner runs once.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	if r.Banner != nil {
		PrintBanner(r.Banner)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)

	done := make(chan error, 1)
	go func() { done <- r.svc(runCtx) }()

	var err error
	select {
	case err = <-done:
		r.setState(StateDraining)
	case <-ctx.Done():
		err = r.wind(cancel, done)
	case <-r.stopCh:
		err = r.wind(cancel, done)
	}

	if derr := r.drain(); derr != nil {
		err = errors.Join(err, derr)
	}
	if r.hooks.OnStop != nil {
		r.hooks.OnStop()
	}
	r.setState(StateStopped)
	return err
}

// Stop asks a running service to return. It does not wait.
func (r *LifecycleRunner) Stop() error {
	r.onceStop.Do(func() { close(r.stopCh) })
	return nil
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) wind(cancel context.CancelFunc, done <-chan error) error {
	r.setState(StateDraining)
	cancel()
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrDrainTimeout
	}
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain() }()
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrDrainTimeout
	}
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
