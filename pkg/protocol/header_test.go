package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "123e4567-e89b-12d3-a456-426614174000"

func TestHeaderRoundtrip(t *testing.T) {
	h := Header{Correlation: testID, Compression: CompressionLzma2}
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, headerSize)
	assert.Equal(t, "vpb", string(b[36:39]))
	assert.Equal(t, byte(3), b[39])

	var h2 Header
	require.NoError(t, h2.UnmarshalBinary(b))
	assert.Equal(t, h, h2)
}

func TestHeaderRejects(t *testing.T) {
	_, err := (&Header{Correlation: "short"}).MarshalBinary()
	assert.ErrorIs(t, err, ErrBadCorrelation)

	b, err := (&Header{Correlation: testID}).MarshalBinary()
	require.NoError(t, err)

	bad := append([]byte(nil), b...)
	bad[37] = 'x'
	var h Header
	err = h.UnmarshalBinary(bad)
	assert.ErrorIs(t, err, ErrProtocolFormat)
	assert.Equal(t, testID, h.Correlation, "id survives a bad marker")

	bad = append([]byte(nil), b...)
	bad[39] = 9
	var uc *UnsupportedCompressionError
	require.ErrorAs(t, h.UnmarshalBinary(bad), &uc)
	assert.Equal(t, uint8(9), uc.Ordinal)

	assert.ErrorIs(t, h.UnmarshalBinary(b[:10]), ErrProtocolFormat)
}

func TestParseCompression(t *testing.T) {
	for _, c := range Compressions {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	got, err := ParseCompression("XZ")
	require.NoError(t, err)
	assert.Equal(t, CompressionLzma2, got)
	_, err = ParseCompression("brotli")
	assert.Error(t, err)
	assert.Equal(t, CompressionSnappy, DefaultCompression)
}
