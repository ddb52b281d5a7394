// Package reconnect keeps a remote link alive: it drives the
// connect/auth/bootstrap/tunnel sequence, probes transport liveness, and
// re-runs the whole sequence under capped exponential backoff when the
// transport drops.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// State is the externally observable link lifecycle. Only Ready means the
// remote endpoint is usable; every other state is transitional.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateBootstrapping
	StateTunneling
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateBootstrapping:
		return "bootstrapping"
	case StateTunneling:
		return "tunneling"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Link is the slice of an established connection the reconnector needs.
type Link interface {
	Probe(timeout time.Duration) error
	Close() error
}

// Establish runs the full sequence and reports phase transitions as it goes.
// It must return only once the link is fully usable, with the same install
// parameters on every attempt so the remote server is reused, not respawned.
type Establish func(ctx context.Context, report func(State)) (Link, error)

// ErrPermanent marks establish failures that retrying cannot fix (bad
// credentials, unsupported remote). Wrap them before returning from an
// Establish and the loop stops instead of spinning.
var ErrPermanent = errors.New("permanent connection failure")

type Options struct {
	// ProbeInterval is the keepalive cadence while Ready. Default 15s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one keepalive round trip. Default 5s.
	ProbeTimeout time.Duration
	// InitialBackoff is the first retry delay, doubling per attempt.
	// Default 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts. Default 30s.
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 15 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

type Reconnector struct {
	establish Establish
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	state   State
	link    Link
	onState func(State)
}

func New(establish Establish, opts Options, log *zap.Logger) *Reconnector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconnector{
		establish: establish,
		opts:      opts.withDefaults(),
		log:       log,
		state:     StateDisconnected,
	}
}

// OnStateChange registers an observer invoked on every transition. Must be
// set before Run.
func (r *Reconnector) OnStateChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

func (r *Reconnector) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	fn := r.onState
	r.mu.Unlock()
	r.log.Debug("state change", zap.Stringer("state", s))
	if fn != nil {
		fn(s)
	}
}

// Run blocks, holding the link Ready until ctx is canceled or an establish
// attempt fails permanently. On transport loss the sequence is re-run from
// scratch under backoff.
func (r *Reconnector) Run(ctx context.Context) error {
	defer r.teardown()
	for {
		if err := r.connectWithBackoff(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.probeLoop(ctx); err != nil {
			return nil // ctx canceled
		}
		// transport dropped; go around again
		r.teardown()
	}
}

func (r *Reconnector) connectWithBackoff(ctx context.Context) error {
	backoff := retry.WithCappedDuration(r.opts.MaxBackoff, retry.NewExponential(r.opts.InitialBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		link, err := r.establish(ctx, r.setState)
		if err != nil {
			r.setState(StateDisconnected)
			if errors.Is(err, ErrPermanent) {
				r.log.Error("giving up", zap.Error(err))
				return err
			}
			r.log.Warn("connect attempt failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		r.mu.Lock()
		r.link = link
		r.mu.Unlock()
		r.setState(StateReady)
		return nil
	})
}

// probeLoop returns nil when the transport died and an error when ctx ended.
func (r *Reconnector) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.mu.Lock()
			link := r.link
			r.mu.Unlock()
			if link == nil {
				return nil
			}
			if err := link.Probe(r.opts.ProbeTimeout); err != nil {
				r.log.Warn("keepalive failed", zap.Error(err))
				return nil
			}
		}
	}
}

func (r *Reconnector) teardown() {
	r.mu.Lock()
	link := r.link
	r.link = nil
	r.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
	r.setState(StateDisconnected)
}
