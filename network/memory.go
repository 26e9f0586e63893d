package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	memoryOfferPrefix  = "memory-offer:"
	defaultMemoryQueue = 256
)

// MemoryDialer pairs peers inside one process. The offer and answer are opaque
// tokens that still travel through the caller's Signaler, so the handshake path is
// exercised end to end without sockets.
type MemoryDialer struct {
	// Tamper, when set, rewrites every sent message into zero or more deliveries.
	Tamper func(payload []byte) [][]byte
	// QueueSize is the per-direction message buffer.
	QueueSize int

	mu      sync.Mutex
	pending map[string]*memoryPeer
}

// NewMemoryDialer returns an empty MemoryDialer.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{pending: make(map[string]*memoryPeer)}
}

// NewPeer implements Dialer.
func (d *MemoryDialer) NewPeer(role Role, signaler Signaler) (Peer, error) {
	if signaler == nil {
		return nil, errors.New("signaler is required")
	}
	return &memoryPeer{
		dialer:   d,
		role:     role,
		signaler: signaler,
		opened:   make(chan struct{}),
	}, nil
}

// Pending reports how many offers are waiting for an answer.
func (d *MemoryDialer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *MemoryDialer) register(token string, p *memoryPeer) {
	d.mu.Lock()
	if d.pending == nil {
		d.pending = make(map[string]*memoryPeer)
	}
	d.pending[token] = p
	d.mu.Unlock()
}

func (d *MemoryDialer) claim(token string) *memoryPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending[token]
	delete(d.pending, token)
	return p
}

func (d *MemoryDialer) forget(token string) {
	d.mu.Lock()
	delete(d.pending, token)
	d.mu.Unlock()
}

type memoryPeer struct {
	dialer   *MemoryDialer
	role     Role
	signaler Signaler

	mu       sync.Mutex
	token    string
	link     *memoryLink
	closed   bool
	opened   chan struct{}
	openOnce sync.Once
}

func (p *memoryPeer) Start(ctx context.Context) error {
	if p.role != RoleInitiator {
		return errors.New("memory peer: only the initiator sends an offer")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.token == "" {
		p.token = memoryOfferPrefix + uuid.NewString()
	}
	token := p.token
	p.mu.Unlock()

	p.dialer.register(token, p)
	if err := p.signaler.SendOffer(ctx, token); err != nil {
		p.dialer.forget(token)
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (p *memoryPeer) HandleOffer(ctx context.Context, sdp string) error {
	if p.role != RoleResponder {
		return errors.New("memory peer: initiator cannot accept an offer")
	}
	if !strings.HasPrefix(sdp, memoryOfferPrefix) {
		return fmt.Errorf("memory peer: malformed offer %q", sdp)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.link != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	initiator := p.dialer.claim(sdp)
	if initiator == nil {
		return fmt.Errorf("memory peer: no pending offer %q", sdp)
	}

	local, remote := newMemoryLinkPair(p.dialer.QueueSize, p.dialer.Tamper)

	initiator.mu.Lock()
	initiator.link = remote
	initiator.mu.Unlock()

	p.mu.Lock()
	p.token = sdp
	p.link = local
	p.mu.Unlock()

	if err := p.signaler.SendAnswer(ctx, sdp); err != nil {
		_ = local.Close()
		return fmt.Errorf("send answer: %w", err)
	}
	p.markOpen()
	return nil
}

func (p *memoryPeer) HandleAnswer(_ context.Context, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != RoleInitiator || p.closed {
		return nil
	}
	if sdp != p.token {
		return fmt.Errorf("memory peer: answer %q does not match offer", sdp)
	}
	if p.link == nil {
		return errors.New("memory peer: answer before the offer was claimed")
	}
	p.openOnce.Do(func() { close(p.opened) })
	return nil
}

func (p *memoryPeer) HandleCandidate(context.Context, Candidate) error {
	return nil
}

func (p *memoryPeer) Opened() <-chan struct{} {
	return p.opened
}

func (p *memoryPeer) Link() Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil {
		return nil
	}
	return p.link
}

func (p *memoryPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	link := p.link
	token := p.token
	p.mu.Unlock()

	if token != "" && p.role == RoleInitiator {
		p.dialer.forget(token)
	}
	if link != nil {
		return link.Close()
	}
	return nil
}

func (p *memoryPeer) markOpen() {
	p.openOnce.Do(func() { close(p.opened) })
}

type memoryLink struct {
	in     chan []byte
	out    chan []byte
	done   chan struct{}
	once   *sync.Once
	tamper func([]byte) [][]byte
}

func newMemoryLinkPair(queue int, tamper func([]byte) [][]byte) (*memoryLink, *memoryLink) {
	if queue <= 0 {
		queue = defaultMemoryQueue
	}
	ab := make(chan []byte, queue)
	ba := make(chan []byte, queue)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &memoryLink{in: ba, out: ab, done: done, once: once, tamper: tamper}
	b := &memoryLink{in: ab, out: ba, done: done, once: once, tamper: tamper}
	return a, b
}

func (l *memoryLink) Send(ctx context.Context, payload []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	msg := append([]byte(nil), payload...)
	deliveries := [][]byte{msg}
	if l.tamper != nil {
		deliveries = l.tamper(msg)
	}

	for _, d := range deliveries {
		select {
		case l.out <- d:
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *memoryLink) Recv() <-chan []byte {
	return l.in
}

func (l *memoryLink) Done() <-chan struct{} {
	return l.done
}

func (l *memoryLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
