// Package codec implements streaming transforms chained into the storage
// layer: compression, encryption and no-op. The codec list applied at backup
// time is recorded in the backup document so readers select the inverse
// chain automatically.
package codec

import (
	"io"

	"github.com/pkg/errors"
)

// Codec - a composable streaming transform
type Codec interface {
	// Name - identifier persisted in the backup document
	Name() string
	// WrapWriter - wrap encoding around w; Close flushes codec framing but
	// does not close the underlying writer
	WrapWriter(w io.Writer) (io.WriteCloser, error)
	// WrapReader - wrap decoding around r
	WrapReader(r io.Reader) (io.ReadCloser, error)
}

// Chain - ordered codec list; data is encoded first-to-last and decoded
// last-to-first
type Chain []Codec

// Names returns codec identifiers in application order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, codec := range c {
		names[i] = codec.Name()
	}
	return names
}

// WrapWriter composes writers so bytes pass through every codec in order.
func (c Chain) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	writers := make([]io.WriteCloser, 0, len(c))
	current := w
	for i := len(c) - 1; i >= 0; i-- {
		wrapped, err := c[i].WrapWriter(current)
		if err != nil {
			for _, opened := range writers {
				_ = opened.Close()
			}
			return nil, errors.Wrapf(err, "can't open %s writer", c[i].Name())
		}
		writers = append(writers, wrapped)
		current = wrapped
	}
	return &chainWriter{w: current, closers: writers}, nil
}

// WrapReader composes readers to invert WrapWriter.
func (c Chain) WrapReader(r io.Reader) (io.ReadCloser, error) {
	readers := make([]io.ReadCloser, 0, len(c))
	current := r
	for i := len(c) - 1; i >= 0; i-- {
		wrapped, err := c[i].WrapReader(current)
		if err != nil {
			for _, opened := range readers {
				_ = opened.Close()
			}
			return nil, errors.Wrapf(err, "can't open %s reader", c[i].Name())
		}
		readers = append(readers, wrapped)
		current = wrapped
	}
	return &chainReader{r: current, closers: readers}, nil
}

// FromNames rebuilds a chain from persisted codec names.
func FromNames(names []string, key []byte) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		switch name {
		case zstdCodecName:
			chain = append(chain, NewZSTD(0))
		case secretboxCodecName:
			codec, err := NewSecretbox(key, 0)
			if err != nil {
				return nil, err
			}
			chain = append(chain, codec)
		case noopCodecName:
			chain = append(chain, Noop{})
		default:
			return nil, errors.Errorf("unknown codec `%s` in backup document", name)
		}
	}
	return chain, nil
}

type chainWriter struct {
	w       io.Writer
	closers []io.WriteCloser
}

func (cw *chainWriter) Write(p []byte) (int, error) {
	return cw.w.Write(p)
}

func (cw *chainWriter) Close() error {
	// closers are appended innermost-last, close in reverse append order so
	// inner codecs flush into still-open outer ones
	var firstErr error
	for i := len(cw.closers) - 1; i >= 0; i-- {
		if err := cw.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type chainReader struct {
	r       io.Reader
	closers []io.ReadCloser
}

func (cr *chainReader) Read(p []byte) (int, error) {
	return cr.r.Read(p)
}

func (cr *chainReader) Close() error {
	var firstErr error
	for i := len(cr.closers) - 1; i >= 0; i-- {
		if err := cr.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const noopCodecName = "noop"

// Noop - identity codec
type Noop struct{}

func (Noop) Name() string { return noopCodecName }

func (Noop) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (Noop) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
