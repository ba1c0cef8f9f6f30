package multiplex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolHeader(t *testing.T) {
	expected := append([]byte{19}, "/multistream/1.0.0\n"...)
	expected = append(expected, 13)
	expected = append(expected, "/mplex/6.7.0\n"...)
	assert.Equal(t, expected, protocolHeader(DefaultProtocolID))
}

func TestAcceptHeader(t *testing.T) {
	header := protocolHeader(DefaultProtocolID)
	data := append(append([]byte(nil), header...), 0xaa, 0xbb)

	for i := 0; i < len(header); i++ {
		rest, done, err := acceptHeader(data[:i], DefaultProtocolID)
		require.NoError(t, err, "cut at %v", i)
		assert.False(t, done)
		assert.Nil(t, rest)
	}

	rest, done, err := acceptHeader(data, DefaultProtocolID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{0xaa, 0xbb}, rest)
}

func TestAcceptHeader_Mismatch(t *testing.T) {
	_, _, err := acceptHeader(protocolHeader("/yamux/1.0.0"), DefaultProtocolID)
	assert.ErrorIs(t, err, errUnexpectedHeader)

	// the first line is checked as soon as it's complete
	_, _, err = acceptHeader(appendHeaderLine(nil, "/multistream/2.0.0"), DefaultProtocolID)
	assert.ErrorIs(t, err, errUnexpectedHeader)
}

func TestReadHeaderLine_NoNewline(t *testing.T) {
	_, _, ok, err := readHeaderLine([]byte{3, 'a', 'b', 'c'})
	assert.False(t, ok)
	assert.ErrorIs(t, err, errUnexpectedHeader)

	_, _, ok, err = readHeaderLine([]byte{0})
	assert.False(t, ok)
	assert.ErrorIs(t, err, errUnexpectedHeader)
}
