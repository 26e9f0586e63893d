package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securepeer/logging"
	"securepeer/storage"
)

const (
	// DefaultPollInterval is how often an authenticated session polls the relay.
	DefaultPollInterval = 2 * time.Second
	// DefaultPollTimeout bounds one full poll of both queues.
	DefaultPollTimeout = 30 * time.Second
)

// Source is the read side of the relay.
type Source interface {
	PollRequests(ctx context.Context, userID string) ([]Envelope, error)
	PollSignals(ctx context.Context, userID string) ([]Envelope, error)
}

// Handler consumes one envelope that has not been handled before.
type Handler func(ctx context.Context, queue string, env Envelope)

// PollerOptions configures a Poller. Source, OwnerID and Handler are required.
type PollerOptions struct {
	Source  Source
	Store   *storage.Store
	OwnerID string
	Handler Handler

	Interval  time.Duration
	Timeout   time.Duration
	Retention time.Duration

	// OnRelayError is called once when polling starts failing.
	OnRelayError func(error)
	// OnRelayRecovered is called once when polling succeeds again after a failure.
	OnRelayRecovered func()

	Logger *logrus.Logger
	Now    func() time.Time
}

type syncRequest struct {
	ctx  context.Context
	done chan error
}

// Poller runs the relay polling loop of one identity and hands every new envelope to
// its handler exactly once. Consumed ids are persisted so restarts do not replay.
type Poller struct {
	opts   PollerOptions
	logger *logrus.Logger

	pollMu  sync.Mutex
	seen    map[string]struct{}
	failing bool

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncRequests chan syncRequest
}

// NewPoller creates a Poller and loads the persisted seen set.
func NewPoller(options PollerOptions) (*Poller, error) {
	if options.Source == nil {
		return nil, errors.New("relay source is required")
	}
	if options.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	if options.Handler == nil {
		return nil, errors.New("envelope handler is required")
	}
	if options.Interval <= 0 {
		options.Interval = DefaultPollInterval
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultPollTimeout
	}
	if options.Retention <= 0 {
		options.Retention = storage.DefaultSeenEnvelopeRetention
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	p := &Poller{
		opts:         options,
		logger:       logging.OrDiscard(options.Logger),
		seen:         make(map[string]struct{}),
		syncRequests: make(chan syncRequest),
	}

	if options.Store != nil {
		since := options.Now().Add(-options.Retention).UnixMilli()
		ids, err := options.Store.SeenEnvelopeIDs(options.OwnerID, since)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			p.seen[id] = struct{}{}
		}
	}
	return p, nil
}

// Start begins background polling. The first poll runs immediately.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.wg.Add(1)
		go p.loop()
	})
}

// Stop cancels polling and returns after the loop has exited.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

// Sync asks the running loop for an immediate poll and waits for it.
func (p *Poller) Sync(ctx context.Context) error {
	if p.ctx == nil {
		return p.PollOnce(ctx)
	}

	req := syncRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case p.syncRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errors.New("poller is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()

	_ = p.poll(p.ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = p.poll(p.ctx)
		case req := <-p.syncRequests:
			req.done <- p.poll(req.ctx)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if p.ctx != nil {
		// Stop must interrupt an in-flight poll started by Sync.
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()
	}
	return p.PollOnce(pollCtx)
}

// PollOnce fetches both queues and dispatches every unseen envelope. Calls are
// serialized, so concurrent callers never hand the same envelope out twice.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	requests, err := p.opts.Source.PollRequests(ctx, p.opts.OwnerID)
	if err == nil {
		var signals []Envelope
		signals, err = p.opts.Source.PollSignals(ctx, p.opts.OwnerID)
		if err == nil {
			p.markHealthy()
			p.dispatch(ctx, storage.QueueRequest, requests)
			p.dispatch(ctx, storage.QueueSignal, signals)
			return nil
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	p.markFailing(err)
	return err
}

// Seen reports whether id was already handed to the handler.
func (p *Poller) Seen(id string) bool {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	_, ok := p.seen[id]
	return ok
}

func (p *Poller) dispatch(ctx context.Context, queue string, envs []Envelope) {
	horizon := p.opts.Now().Add(-p.opts.Retention).UnixMilli()

	for _, env := range envs {
		if ctx.Err() != nil {
			return
		}
		if env.ID == "" || env.To != p.opts.OwnerID {
			continue
		}
		if _, ok := p.seen[env.ID]; ok {
			continue
		}
		if env.Timestamp > 0 && env.Timestamp < horizon {
			// Older than the persisted seen window; it may have been handled already.
			continue
		}

		p.seen[env.ID] = struct{}{}
		p.logger.WithFields(logrus.Fields{
			"envelope_id": env.ID,
			"queue":       queue,
			"type":        env.Type,
			"from":        env.From,
		}).Debug("relay envelope received")

		p.opts.Handler(ctx, queue, env)

		if p.opts.Store != nil {
			if err := p.opts.Store.InsertSeenEnvelope(p.opts.OwnerID, env.ID, queue, p.opts.Now().UnixMilli()); err != nil {
				p.logger.WithError(err).WithField("envelope_id", env.ID).Warn("persist seen envelope failed")
			}
		}
	}
}

func (p *Poller) markFailing(err error) {
	if p.failing {
		p.logger.WithError(err).Debug("relay still unavailable")
		return
	}
	p.failing = true
	p.logger.WithError(err).Warn("relay unavailable")
	if p.opts.OnRelayError != nil {
		p.opts.OnRelayError(err)
	}
}

func (p *Poller) markHealthy() {
	if !p.failing {
		return
	}
	p.failing = false
	p.logger.Info("relay reachable again")
	if p.opts.OnRelayRecovered != nil {
		p.opts.OnRelayRecovered()
	}
}
