// Package protocol implements the chunked frame protocol used by patchwire.
//
// TCP only guarantees ordered delivery, so message boundaries are recovered by
// splitting every payload into length-prefixed chunks and closing the message
// with an empty chunk.
//
// Message format:
//
//	┌─────────┬──────────────┬─────────┬──────────────┬─────┬─────────┐
//	│ len1    │ chunk1       │ len2    │ chunk2       │ ... │ 0       │
//	│ uint32  │ len1 bytes   │ uint32  │ len2 bytes   │     │ uint32  │
//	└─────────┴──────────────┴─────────┴──────────────┴─────┴─────────┘
//
// All lengths are big-endian. An empty payload is sent as the terminator only.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	PrefixSize = 4

	DefaultChunkSize      = 4096
	DefaultMaxChunkSize   = 1 << 20   // 1 MiB
	DefaultMaxMessageSize = 256 << 20 // 256 MiB
)

var (
	// ErrConnectionClosed is returned when the peer closes the stream, either
	// before a new message starts or in the middle of one.
	ErrConnectionClosed = errors.New("connection closed by peer")

	// ErrFrameTooLarge is a protocol violation: a chunk or the accumulated
	// message exceeds the configured limits.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Framer writes and reads chunked messages with a fixed set of limits.
// The zero value is not usable, use NewFramer or DefaultFramer.
type Framer struct {
	ChunkSize      int    // Size writers split payloads at
	MaxChunkSize   uint32 // Largest chunk length a reader will trust
	MaxMessageSize int    // Largest reassembled payload a reader will buffer
}

// DefaultFramer is used by the package level Send and Receive.
var DefaultFramer = NewFramer(DefaultChunkSize, DefaultMaxChunkSize, DefaultMaxMessageSize)

// NewFramer returns a Framer, replacing non-positive arguments with defaults.
func NewFramer(chunkSize int, maxChunkSize uint32, maxMessageSize int) *Framer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxChunkSize == 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if uint32(chunkSize) > maxChunkSize {
		chunkSize = int(maxChunkSize)
	}
	return &Framer{
		ChunkSize:      chunkSize,
		MaxChunkSize:   maxChunkSize,
		MaxMessageSize: maxMessageSize,
	}
}

// Send writes payload to w as a complete message.
func Send(w io.Writer, payload []byte) error {
	return DefaultFramer.Send(w, payload)
}

// Receive reads one complete message from r.
func Receive(r io.Reader) ([]byte, error) {
	return DefaultFramer.Receive(r)
}

// Send splits payload into chunks and writes them followed by the terminator.
// The caller must serialise concurrent writers on the same w, otherwise chunks
// from different messages interleave and corrupt the stream.
func (f *Framer) Send(w io.Writer, payload []byte) error {
	buf := make([]byte, PrefixSize+min(f.ChunkSize, len(payload)))
	for offset := 0; offset < len(payload); offset += f.ChunkSize {
		end := min(offset+f.ChunkSize, len(payload))
		n := end - offset

		binary.BigEndian.PutUint32(buf[:PrefixSize], uint32(n))
		copy(buf[PrefixSize:], payload[offset:end])

		// One write per chunk so a prefix is never separated from its body
		if _, err := w.Write(buf[:PrefixSize+n]); err != nil {
			return fmt.Errorf("writing chunk: %w", err)
		}
	}

	var terminator [PrefixSize]byte
	if _, err := w.Write(terminator[:]); err != nil {
		return fmt.Errorf("writing terminator: %w", err)
	}
	return nil
}

// Receive reassembles one message. io.ReadFull loops over short reads, so the
// only way a read ends early is the peer closing the stream.
func (f *Framer) Receive(r io.Reader) ([]byte, error) {
	var prefix [PrefixSize]byte
	message := make([]byte, 0)

	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return nil, closedOr(err)
		}

		chunkLen := binary.BigEndian.Uint32(prefix[:])
		if chunkLen == 0 {
			return message, nil
		}
		if chunkLen > f.MaxChunkSize {
			return nil, fmt.Errorf("%w: chunk of %d bytes, limit %d", ErrFrameTooLarge, chunkLen, f.MaxChunkSize)
		}
		if len(message)+int(chunkLen) > f.MaxMessageSize {
			return nil, fmt.Errorf("%w: message over %d bytes", ErrFrameTooLarge, f.MaxMessageSize)
		}

		start := len(message)
		message = append(message, make([]byte, chunkLen)...)
		if _, err := io.ReadFull(r, message[start:]); err != nil {
			return nil, closedOr(err)
		}
	}
}

// closedOr maps end-of-stream conditions to ErrConnectionClosed and passes
// other transport errors through.
func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}
