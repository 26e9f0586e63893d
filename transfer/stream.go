package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"securepeer/models"
	"securepeer/network"
)

// reasonCancelled in a cancel frame means the peer's user cancelled; any other
// reason is a stream failure on the peer's side.
const reasonCancelled = "cancelled"

// send streams the source file as indexed chunks followed by the done sentinel,
// then waits for the recipient to close the channel after committing. A recipient
// that never closes is taken as complete once the chunk timeout passes.
func (m *Manager) send(ctx context.Context, s *session, attempt int, link network.Link) {
	f, err := os.Open(s.sourcePath)
	if err != nil {
		m.abort(link, "source unavailable")
		m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: open source: %v", models.ErrIncompleteTransfer, err))
		return
	}
	defer f.Close()

	total := s.meta.SizeBytes
	buf := make([]byte, m.chunkSize)
	var sent int64
	for index := uint32(0); sent < total; index++ {
		n := int64(len(buf))
		if remaining := total - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			m.abort(link, "source changed")
			m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: read source: %v", models.ErrIncompleteTransfer, err))
			return
		}
		if !m.sendFrame(ctx, s, attempt, link, network.ChunkFrame(index, buf[:n])) {
			return
		}
		sent += n
		m.progress(s, attempt, sent)
	}
	if !m.sendFrame(ctx, s, attempt, link, network.DoneFrame(total)) {
		return
	}

	linger := time.NewTimer(m.chunkTimeout)
	defer linger.Stop()
	for {
		select {
		case raw := <-link.Recv():
			if reason, ok := cancelReason(raw); ok {
				m.peerAborted(s, attempt, reason)
				return
			}
		case <-link.Done():
			if reason, ok := drainCancel(link); ok {
				m.peerAborted(s, attempt, reason)
				return
			}
			m.settle(s, attempt, StateTransferring, StateCompleted, nil)
			return
		case <-linger.C:
			m.settle(s, attempt, StateTransferring, StateCompleted, nil)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sendFrame(ctx context.Context, s *session, attempt int, link network.Link, frame network.Frame) bool {
	raw, err := network.EncodeFrame(frame)
	if err != nil {
		m.abort(link, "encode failure")
		m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: %v", models.ErrIncompleteTransfer, err))
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.chunkTimeout)
	err = link.Send(sendCtx, raw)
	cancel()

	if reason, ok := drainCancel(link); ok {
		m.peerAborted(s, attempt, reason)
		return false
	}
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: send %s: %v", models.ErrPeerUnreachable, frame.Kind, err))
	return false
}

// receive reassembles the stream into a part file in the temp directory and moves
// it into the files directory once the done sentinel checks out. Any failure
// removes the part file and tells the sender with a cancel frame.
func (m *Manager) receive(ctx context.Context, s *session, attempt int, link network.Link) {
	part := m.partPath(s.meta.ID)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		m.abort(link, "recipient storage unavailable")
		m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: create part file: %v", models.ErrIncompleteTransfer, err))
		return
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(part)
	}
	fail := func(cause error) {
		discard()
		m.abort(link, cause.Error())
		m.settle(s, attempt, "", StateFailed, cause)
	}

	asm := NewAssembler(f, s.meta.SizeBytes)
	idle := time.NewTimer(m.chunkTimeout)
	defer idle.Stop()

	for {
		var raw []byte
		select {
		case raw = <-link.Recv():
		case <-link.Done():
			select {
			case raw = <-link.Recv():
			default:
				discard()
				m.settle(s, attempt, "", StateFailed,
					fmt.Errorf("%w: channel closed after %d of %d bytes", models.ErrPeerUnreachable, asm.Received(), s.meta.SizeBytes))
				return
			}
		case <-idle.C:
			fail(fmt.Errorf("%w: no data for %s", models.ErrPeerUnreachable, m.chunkTimeout))
			return
		case <-ctx.Done():
			discard()
			return
		}
		resetTimer(idle, m.chunkTimeout)

		frame, err := network.DecodeFrame(raw)
		if err != nil {
			fail(fmt.Errorf("%w: %v", models.ErrIncompleteTransfer, err))
			return
		}

		switch frame.Kind {
		case network.FrameChunk:
			applied, err := asm.Apply(frame.Index, frame.Data)
			if err != nil {
				fail(err)
				return
			}
			if applied {
				m.progress(s, attempt, asm.Received())
			}
		case network.FrameDone:
			if err := asm.Finish(frame.Total); err != nil {
				fail(err)
				return
			}
			if err := f.Close(); err != nil {
				_ = os.Remove(part)
				m.abort(link, "recipient storage failure")
				m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: close part file: %v", models.ErrIncompleteTransfer, err))
				return
			}
			m.complete(s, attempt, part)
			return
		case network.FrameCancel:
			discard()
			m.peerAborted(s, attempt, frame.Reason)
			return
		}
	}
}

// complete commits the part file and settles the attempt. Closing the channel,
// which settle does, is the sender's signal that the file landed.
func (m *Manager) complete(s *session, attempt int, part string) {
	stored, err := m.commit(part, s.meta)
	if err != nil {
		_ = os.Remove(part)
		m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: store received file: %v", models.ErrIncompleteTransfer, err))
		return
	}

	s.mu.Lock()
	if s.attempt != attempt || s.state != StateTransferring {
		s.mu.Unlock()
		_ = os.Remove(stored)
		return
	}
	s.storedPath = stored
	s.bytes = s.meta.SizeBytes
	s.mu.Unlock()

	if !m.settle(s, attempt, StateTransferring, StateCompleted, nil) {
		_ = os.Remove(stored)
	}
}

func (m *Manager) peerAborted(s *session, attempt int, reason string) {
	if reason == reasonCancelled {
		m.settle(s, attempt, "", StateCancelled, errCancelledByPeer)
		return
	}
	m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: peer aborted stream: %s", models.ErrIncompleteTransfer, reason))
}

// abort tells the peer best-effort that this side is giving up the stream.
func (m *Manager) abort(link network.Link, reason string) {
	raw, err := network.EncodeFrame(network.CancelFrame(reason))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelFrameTimeout)
	defer cancel()
	if err := link.Send(ctx, raw); err != nil {
		m.logger.WithError(err).Debug("cancel frame not delivered")
	}
}

func cancelReason(raw []byte) (string, bool) {
	frame, err := network.DecodeFrame(raw)
	if err != nil || frame.Kind != network.FrameCancel {
		return "", false
	}
	return frame.Reason, true
}

// drainCancel consumes whatever the peer has already delivered and reports the
// first cancel frame among it.
func drainCancel(link network.Link) (string, bool) {
	for {
		select {
		case raw := <-link.Recv():
			if reason, ok := cancelReason(raw); ok {
				return reason, true
			}
		default:
			return "", false
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
