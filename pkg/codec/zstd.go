package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

const zstdCodecName = "zstd"

// ZSTD - zstandard stream compression codec
type ZSTD struct {
	level zstd.EncoderLevel
}

// NewZSTD - create codec; level <= 0 selects the default level
func NewZSTD(level int) *ZSTD {
	encoderLevel := zstd.SpeedDefault
	if level > 0 {
		encoderLevel = zstd.EncoderLevelFromZstd(level)
	}
	return &ZSTD{level: encoderLevel}
}

func (z *ZSTD) Name() string { return zstdCodecName }

func (z *ZSTD) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(z.level))
}

func (z *ZSTD) WrapReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &zstdReadCloser{zr}, nil
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
