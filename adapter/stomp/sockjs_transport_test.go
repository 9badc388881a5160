package stomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSockJSFrame(t *testing.T) {
	batch, err := parseSockJSFrame([]byte(`a["CONNECTED\nversion:1.2\n\n\u0000","MESSAGE\n\n{}\u0000"]`))
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "CONNECTED\nversion:1.2\n\n\x00", string(batch[0]))

	for _, body := range []string{"o", "h", ""} {
		batch, err := parseSockJSFrame([]byte(body))
		require.NoError(t, err, body)
		assert.Empty(t, batch)
	}

	_, err = parseSockJSFrame([]byte(`c[3000,"Go away!"]`))
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.Contains(t, err.Error(), "Go away!")

	_, err = parseSockJSFrame([]byte(`a[not json`))
	assert.Error(t, err)

	_, err = parseSockJSFrame([]byte("x"))
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate([]byte("abc"), 5))
	assert.Equal(t, "ab...", truncate([]byte("abcdef"), 2))
}
