package distributor

import (
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the distributor constructor to configure it.

// Option function to set various options on the distributor.
// Uses defaults if an option is not set.
type Option func(*Distributor)

// WithLogger replaces the distributor's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(d *Distributor) {
		d.log = l
	}
}

// WithHistory records finished downloads, node completions, and resets into h.
func WithHistory(h History) Option {
	return func(d *Distributor) {
		d.hist = h
	}
}

// WithBlockSize overrides ond.BlockSize, the number of image bytes sent per BlockData packet.
// Values outside 1..packet.MaxBlockData are ignored.
func WithBlockSize(n uint16) Option {
	return func(d *Distributor) {
		if n > 0 && n <= maxBlockSize {
			d.blockSize = n
		}
	}
}
