package codec

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func roundTrip(t *testing.T, chain Chain, payload []byte) []byte {
	var encoded bytes.Buffer
	w, err := chain.WrapWriter(&encoded)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := chain.WrapReader(bytes.NewReader(encoded.Bytes()))
	require.NoError(t, err)
	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return decoded
}

func TestNoopRoundTrip(t *testing.T) {
	payload := []byte("hello parts")
	assert.Equal(t, payload, roundTrip(t, Chain{Noop{}}, payload))
}

func TestZSTDRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("clickhouse column data "), 4096)
	var encoded bytes.Buffer
	chain := Chain{NewZSTD(3)}
	w, err := chain.WrapWriter(&encoded)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Less(t, encoded.Len(), len(payload))

	r, err := chain.WrapReader(&encoded)
	require.NoError(t, err)
	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestSecretboxRoundTrip(t *testing.T) {
	key := testKey(t)
	codec, err := NewSecretbox(key, 1024)
	require.NoError(t, err)

	// payload spanning several chunks plus a partial tail
	payload := bytes.Repeat([]byte{0x42}, 1024*3+100)
	assert.Equal(t, payload, roundTrip(t, Chain{codec}, payload))
}

func TestSecretboxWrongKey(t *testing.T) {
	codec, err := NewSecretbox(testKey(t), 0)
	require.NoError(t, err)
	var encoded bytes.Buffer
	w, err := codec.WrapWriter(&encoded)
	require.NoError(t, err)
	_, err = w.Write([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	other, err := NewSecretbox(testKey(t), 0)
	require.NoError(t, err)
	r, err := other.WrapReader(bytes.NewReader(encoded.Bytes()))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
}

func TestSecretboxTruncatedStream(t *testing.T) {
	codec, err := NewSecretbox(testKey(t), 0)
	require.NoError(t, err)
	var encoded bytes.Buffer
	w, err := codec.WrapWriter(&encoded)
	require.NoError(t, err)
	_, err = w.Write([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	truncated := encoded.Bytes()[:encoded.Len()-5]
	r, err := codec.WrapReader(bytes.NewReader(truncated))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
}

func TestSecretboxBadKeySize(t *testing.T) {
	_, err := NewSecretbox([]byte("short"), 0)
	assert.Error(t, err)
}

func TestChainCompressThenEncrypt(t *testing.T) {
	key := testKey(t)
	enc, err := NewSecretbox(key, 0)
	require.NoError(t, err)
	chain := Chain{NewZSTD(0), enc}

	payload := bytes.Repeat([]byte("0123456789"), 100000)
	assert.Equal(t, payload, roundTrip(t, chain, payload))
	assert.Equal(t, []string{"zstd", "nacl_secretbox"}, chain.Names())
}

func TestFromNames(t *testing.T) {
	key := testKey(t)
	chain, err := FromNames([]string{"zstd", "nacl_secretbox"}, key)
	require.NoError(t, err)
	require.Len(t, chain, 2)

	payload := []byte("round trip through a rebuilt chain")
	assert.Equal(t, payload, roundTrip(t, chain, payload))

	_, err = FromNames([]string{"rot13"}, key)
	assert.Error(t, err)
}
