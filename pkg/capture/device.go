// Package capture reads PCM blocks from an audio device and feeds them, in
// capture order, into a bounded frame queue.
package capture

import (
	"errors"

	"github.com/harunnryd/dengar/pkg/frames"
)

// ErrStreamClosed is returned by ReadBlock after Close.
var ErrStreamClosed = errors.New("capture stream closed")

// Device opens capture streams. blockSamples is the per-channel sample count
// of each block returned by ReadBlock.
type Device interface {
	Name() string
	Open(format frames.Format, blockSamples int) (Stream, error)
}

// Stream yields interleaved PCM blocks. ReadBlock blocks until a block is
// available; Close may be called concurrently and unblocks it. A finite
// stream returns io.EOF once exhausted.
type Stream interface {
	ReadBlock() ([]byte, error)
	Close() error
}
