package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"securepeer/logging"
)

const (
	dataChannelLabel     = "file-transfer"
	maxBufferedAmount    = 1024 * 1024
	bufferedLowWater     = 256 * 1024
	candidateSendTimeout = 10 * time.Second
	recvQueueSize        = 256
)

// WebRTCOptions configures a WebRTCDialer.
type WebRTCOptions struct {
	ICEServers []string
	Logger     *logrus.Logger
}

// WebRTCDialer negotiates pion data channels. NAT traversal is left to ICE.
type WebRTCDialer struct {
	config webrtc.Configuration
	logger *logrus.Logger
}

// NewWebRTCDialer builds a dialer using the given STUN/TURN URLs.
func NewWebRTCDialer(options WebRTCOptions) *WebRTCDialer {
	iceServers := make([]webrtc.ICEServer, 0, len(options.ICEServers))
	for _, server := range options.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return &WebRTCDialer{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger: logging.OrDiscard(options.Logger),
	}
}

// NewPeer implements Dialer.
func (d *WebRTCDialer) NewPeer(role Role, signaler Signaler) (Peer, error) {
	if signaler == nil {
		return nil, errors.New("signaler is required")
	}

	pc, err := webrtc.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &webrtcPeer{
		role:     role,
		pc:       pc,
		signaler: signaler,
		logger:   d.logger.WithField("role", role.String()),
		opened:   make(chan struct{}),
		link: &webrtcLink{
			recv:     make(chan []byte, recvQueueSize),
			done:     make(chan struct{}),
			lowWater: make(chan struct{}, 1),
		},
	}
	p.link.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		ctx, cancel := context.WithTimeout(context.Background(), candidateSendTimeout)
		defer cancel()
		err := signaler.SendCandidate(ctx, Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			p.logger.WithError(err).Debug("send ice candidate failed")
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.WithField("state", s.String()).Debug("peer connection state changed")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.link.markDone()
		}
	})

	if role == RoleResponder {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			p.attach(dc)
		})
	}

	return p, nil
}

type webrtcPeer struct {
	role     Role
	pc       *webrtc.PeerConnection
	signaler Signaler
	logger   *logrus.Entry

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit

	opened   chan struct{}
	openOnce sync.Once
	link     *webrtcLink
}

func (p *webrtcPeer) Start(ctx context.Context) error {
	if p.role != RoleInitiator {
		return errors.New("webrtc peer: only the initiator sends an offer")
	}

	ordered := true
	protocol := dataChannelLabel
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &protocol,
	})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	p.attach(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := p.signaler.SendOffer(ctx, offer.SDP); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (p *webrtcPeer) HandleOffer(ctx context.Context, sdp string) error {
	if p.role != RoleResponder {
		return errors.New("webrtc peer: initiator cannot accept an offer")
	}
	if p.isOpen() {
		return nil
	}

	p.mu.Lock()
	if p.pc.RemoteDescription() != nil {
		p.mu.Unlock()
		return nil
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidatesLocked()
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set local description: %w", err)
	}
	p.mu.Unlock()

	if err := p.signaler.SendAnswer(ctx, answer.SDP); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func (p *webrtcPeer) HandleAnswer(_ context.Context, sdp string) error {
	if p.role != RoleInitiator || p.isOpen() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.RemoteDescription() != nil {
		return nil
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidatesLocked()
	return nil
}

func (p *webrtcPeer) HandleCandidate(_ context.Context, candidate Candidate) error {
	if p.isOpen() || candidate.Candidate == "" {
		return nil
	}

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, init)
		return nil
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *webrtcPeer) Opened() <-chan struct{} {
	return p.opened
}

func (p *webrtcPeer) Link() Link {
	return p.link
}

func (p *webrtcPeer) Close() error {
	return p.link.Close()
}

func (p *webrtcPeer) isOpen() bool {
	select {
	case <-p.opened:
		return true
	default:
		return false
	}
}

func (p *webrtcPeer) flushCandidatesLocked() {
	for _, init := range p.pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			p.logger.WithError(err).Debug("add buffered ice candidate failed")
		}
	}
	p.pending = nil
}

func (p *webrtcPeer) attach(dc *webrtc.DataChannel) {
	l := p.link
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(bufferedLowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case l.lowWater <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		p.logger.Debug("data channel open")
		p.openOnce.Do(func() { close(p.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case l.recv <- data:
		case <-l.done:
		}
	})
	dc.OnClose(func() {
		l.markDone()
	})
}

type webrtcLink struct {
	pc *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel

	recv     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	lowWater chan struct{}
}

func (l *webrtcLink) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil {
		return errors.New("webrtc link: data channel not ready")
	}

	for dc.BufferedAmount() > maxBufferedAmount {
		select {
		case <-l.lowWater:
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

func (l *webrtcLink) Recv() <-chan []byte {
	return l.recv
}

func (l *webrtcLink) Done() <-chan struct{} {
	return l.done
}

func (l *webrtcLink) Close() error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	l.markDone()
	if dc != nil {
		_ = dc.Close()
	}
	return l.pc.Close()
}

func (l *webrtcLink) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}
