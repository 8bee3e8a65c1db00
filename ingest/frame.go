// Package ingest receives crate bundles over TCP and feeds them to the scan
// registry, replying with one status byte per frame.
package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"datacatcher/bundle"

	"github.com/klauspost/compress/zstd"
)

// Frame layout, big-endian:
//
//	magic u16 (0x4442), version u8, flags u8, payload length u32, payload
//
// The payload is a bundle in its binary encoding, zstd-compressed when
// flags bit 0 is set.
const (
	frameMagic      uint16 = 0x4442
	frameVersion    uint8  = 1
	frameHeaderSize        = 8

	FlagZstd uint8 = 1 << 0
)

// Reply codes written back after each frame. The first four mirror
// scan.Status; ReplyMalformed covers payloads that failed to decode.
const (
	ReplyAccepted   byte = 0
	ReplyRedundant  byte = 1
	ReplyUnexpected byte = 2
	ReplyRejected   byte = 3
	ReplyMalformed  byte = 0xfe
)

var (
	ErrBadMagic      = errors.New("ingest: bad frame magic")
	ErrBadVersion    = errors.New("ingest: unsupported frame version")
	ErrFrameTooLarge = errors.New("ingest: frame exceeds limit")
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// WriteFrame encodes b as one frame on w.
func WriteFrame(w io.Writer, b *bundle.Bundle, compress bool) error {
	payload, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	var flags uint8
	if compress {
		payload = encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= FlagZstd
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:], frameMagic)
	hdr[2] = frameVersion
	hdr[3] = flags
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// frameError marks a frame whose header was read cleanly but whose payload
// did not decode. The stream stays in sync, so the connection can continue.
type frameError struct{ err error }

func (e *frameError) Error() string { return e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }

// ReadFrame reads one frame and decodes its bundle. Header errors leave the
// stream unusable; payload errors are returned wrapped in *frameError.
func ReadFrame(r io.Reader, maxBytes int) (*bundle.Bundle, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(hdr[0:]) != frameMagic {
		return nil, ErrBadMagic
	}
	if hdr[2] != frameVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr[2])
	}
	length := binary.BigEndian.Uint32(hdr[4:])
	if maxBytes > 0 && int64(length) > int64(maxBytes) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if hdr[3]&FlagZstd != 0 {
		raw, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, &frameError{fmt.Errorf("ingest: zstd: %w", err)}
		}
		if maxBytes > 0 && len(raw) > 4*maxBytes {
			return nil, &frameError{fmt.Errorf("%w: %d bytes decompressed", ErrFrameTooLarge, len(raw))}
		}
		payload = raw
	}
	b := &bundle.Bundle{}
	if err := b.UnmarshalBinary(payload); err != nil {
		return nil, &frameError{err}
	}
	return b, nil
}

// ReadReply reads one status byte written by the server.
func ReadReply(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}
