// Package network carries file bytes over a direct peer channel. Channels are
// negotiated with offer/answer/candidate signals that callers relay themselves.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxFrameSize is the largest accepted direct channel message. pion refuses
	// data channel sends above 64 KiB.
	MaxFrameSize = 64 * 1024
	// MaxChunkSize is the largest chunk payload that fits one frame.
	MaxChunkSize = MaxFrameSize - chunkHeaderSize

	chunkHeaderSize = 1 + 4
	doneFrameSize   = 1 + 8
	maxReasonSize   = 512
)

// FrameKind tags each direct channel message.
type FrameKind byte

const (
	// FrameChunk carries one in-order slice of file bytes.
	FrameChunk FrameKind = 1
	// FrameDone marks the logical end of the stream.
	FrameDone FrameKind = 2
	// FrameCancel aborts the stream from either side.
	FrameCancel FrameKind = 3
)

func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameDone:
		return "done"
	case FrameCancel:
		return "cancel"
	default:
		return fmt.Sprintf("frame(%d)", byte(k))
	}
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidFrame indicates a message that is not a well formed frame.
	ErrInvalidFrame = errors.New("network: invalid frame")
)

// Frame is one decoded direct channel message.
type Frame struct {
	Kind   FrameKind
	Index  uint32
	Data   []byte
	Total  int64
	Reason string
}

// ChunkFrame builds the frame for chunk number index.
func ChunkFrame(index uint32, data []byte) Frame {
	return Frame{Kind: FrameChunk, Index: index, Data: data}
}

// DoneFrame builds the end-of-stream sentinel carrying the sender's byte count.
func DoneFrame(total int64) Frame {
	return Frame{Kind: FrameDone, Total: total}
}

// CancelFrame builds an abort message.
func CancelFrame(reason string) Frame {
	return Frame{Kind: FrameCancel, Reason: reason}
}

// EncodeFrame serializes f.
//
//	chunk:  0x01 | index uint32 BE | data
//	done:   0x02 | total uint64 BE
//	cancel: 0x03 | reason (UTF-8)
func EncodeFrame(f Frame) ([]byte, error) {
	switch f.Kind {
	case FrameChunk:
		if len(f.Data) > MaxChunkSize {
			return nil, ErrFrameTooLarge
		}
		out := make([]byte, chunkHeaderSize+len(f.Data))
		out[0] = byte(FrameChunk)
		binary.BigEndian.PutUint32(out[1:5], f.Index)
		copy(out[chunkHeaderSize:], f.Data)
		return out, nil
	case FrameDone:
		if f.Total < 0 {
			return nil, fmt.Errorf("%w: negative total", ErrInvalidFrame)
		}
		out := make([]byte, doneFrameSize)
		out[0] = byte(FrameDone)
		binary.BigEndian.PutUint64(out[1:], uint64(f.Total))
		return out, nil
	case FrameCancel:
		reason := f.Reason
		if len(reason) > maxReasonSize {
			reason = reason[:maxReasonSize]
		}
		out := make([]byte, 1+len(reason))
		out[0] = byte(FrameCancel)
		copy(out[1:], reason)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidFrame, f.Kind)
	}
}

// DecodeFrame parses one direct channel message. Chunk data aliases raw.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}

	switch kind := FrameKind(raw[0]); kind {
	case FrameChunk:
		if len(raw) < chunkHeaderSize {
			return Frame{}, fmt.Errorf("%w: short chunk header", ErrInvalidFrame)
		}
		return Frame{
			Kind:  FrameChunk,
			Index: binary.BigEndian.Uint32(raw[1:5]),
			Data:  raw[chunkHeaderSize:],
		}, nil
	case FrameDone:
		if len(raw) != doneFrameSize {
			return Frame{}, fmt.Errorf("%w: done frame is %d bytes", ErrInvalidFrame, len(raw))
		}
		total := binary.BigEndian.Uint64(raw[1:])
		if total > 1<<62 {
			return Frame{}, fmt.Errorf("%w: total out of range", ErrInvalidFrame)
		}
		return Frame{Kind: FrameDone, Total: int64(total)}, nil
	case FrameCancel:
		reason := raw[1:]
		if !utf8.Valid(reason) {
			return Frame{}, fmt.Errorf("%w: cancel reason is not UTF-8", ErrInvalidFrame)
		}
		return Frame{Kind: FrameCancel, Reason: string(reason)}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %s", ErrInvalidFrame, kind)
	}
}
