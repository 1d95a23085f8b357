package codec

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	secretboxCodecName = "nacl_secretbox"

	// DefaultEncryptionChunkSize - plaintext bytes sealed into one frame
	DefaultEncryptionChunkSize = 8 * 1024 * 1024

	nonceSize = 24
	keySize   = 32
)

// Secretbox - chunked NaCl secretbox stream cipher. Each frame on the wire
// is a 4-byte big-endian ciphertext length, a fresh random nonce and the
// sealed chunk. A zero-length frame terminates the stream so truncation is
// detected.
type Secretbox struct {
	key       [keySize]byte
	chunkSize int
}

// NewSecretbox - create codec; chunkSize <= 0 selects the default
func NewSecretbox(key []byte, chunkSize int) (*Secretbox, error) {
	if len(key) != keySize {
		return nil, errors.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	if chunkSize <= 0 {
		chunkSize = DefaultEncryptionChunkSize
	}
	s := &Secretbox{chunkSize: chunkSize}
	copy(s.key[:], key)
	return s, nil
}

func (s *Secretbox) Name() string { return secretboxCodecName }

// MetadataSize - per-chunk overhead added by the codec framing
func (s *Secretbox) MetadataSize() int {
	return 4 + nonceSize + secretbox.Overhead
}

func (s *Secretbox) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return &secretboxWriter{codec: s, w: w, buf: make([]byte, 0, s.chunkSize)}, nil
}

func (s *Secretbox) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return &secretboxReader{codec: s, r: r}, nil
}

type secretboxWriter struct {
	codec *Secretbox
	w     io.Writer
	buf   []byte
}

func (sw *secretboxWriter) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		space := sw.codec.chunkSize - len(sw.buf)
		if space > len(p) {
			space = len(p)
		}
		sw.buf = append(sw.buf, p[:space]...)
		p = p[space:]
		if len(sw.buf) == sw.codec.chunkSize {
			if err := sw.flush(); err != nil {
				return 0, err
			}
		}
	}
	return written, nil
}

func (sw *secretboxWriter) flush() error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errors.Wrap(err, "can't generate nonce")
	}
	sealed := secretbox.Seal(nil, sw.buf, &nonce, &sw.codec.key)
	var frameLen [4]byte
	binary.BigEndian.PutUint32(frameLen[:], uint32(len(sealed)))
	if _, err := sw.w.Write(frameLen[:]); err != nil {
		return err
	}
	if _, err := sw.w.Write(nonce[:]); err != nil {
		return err
	}
	if _, err := sw.w.Write(sealed); err != nil {
		return err
	}
	sw.buf = sw.buf[:0]
	return nil
}

func (sw *secretboxWriter) Close() error {
	if len(sw.buf) > 0 {
		if err := sw.flush(); err != nil {
			return err
		}
	}
	var terminator [4]byte
	_, err := sw.w.Write(terminator[:])
	return err
}

type secretboxReader struct {
	codec *Secretbox
	r     io.Reader
	plain []byte
	done  bool
}

func (sr *secretboxReader) Read(p []byte) (int, error) {
	for len(sr.plain) == 0 {
		if sr.done {
			return 0, io.EOF
		}
		if err := sr.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, sr.plain)
	sr.plain = sr.plain[n:]
	return n, nil
}

func (sr *secretboxReader) readFrame() error {
	var frameLen [4]byte
	if _, err := io.ReadFull(sr.r, frameLen[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.New("encrypted stream truncated: missing terminator frame")
		}
		return err
	}
	sealedLen := binary.BigEndian.Uint32(frameLen[:])
	if sealedLen == 0 {
		sr.done = true
		return nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(sr.r, nonce[:]); err != nil {
		return errors.Wrap(err, "encrypted stream truncated")
	}
	sealed := make([]byte, sealedLen)
	if _, err := io.ReadFull(sr.r, sealed); err != nil {
		return errors.Wrap(err, "encrypted stream truncated")
	}
	plain, ok := secretbox.Open(nil, sealed, &nonce, &sr.codec.key)
	if !ok {
		return errors.New("can't decrypt chunk: wrong key or corrupted data")
	}
	sr.plain = plain
	return nil
}

func (sr *secretboxReader) Close() error { return nil }
