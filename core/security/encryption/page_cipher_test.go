package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *PageCipher {
	t.Helper()
	c, err := NewPageCipher(bytes.Repeat([]byte{7}, 16), bytes.Repeat([]byte{3}, IVSize))
	require.NoError(t, err)
	return c
}

func TestNewPageCipherValidatesKeyAndIV(t *testing.T) {
	_, err := NewPageCipher(make([]byte, 15), make([]byte, IVSize))
	assert.Error(t, err)
	_, err = NewPageCipher(make([]byte, 32), make([]byte, 8))
	assert.Error(t, err)
	for _, n := range []int{16, 24, 32} {
		_, err = NewPageCipher(make([]byte, n), make([]byte, IVSize))
		assert.NoError(t, err)
	}
}

func TestXORKeyStreamRoundTrip(t *testing.T) {
	c := testCipher(t)
	plain := bytes.Repeat([]byte("page payload "), 100)
	buf := append([]byte(nil), plain...)

	c.XORKeyStream(5, 17, 2, buf, buf)
	assert.NotEqual(t, plain, buf)
	c.XORKeyStream(5, 17, 2, buf, buf)
	assert.Equal(t, plain, buf)
}

func TestPageIVVariesWithEveryInput(t *testing.T) {
	c := testCipher(t)
	base := c.PageIV(1, 1, 1)
	assert.NotEqual(t, base, c.PageIV(2, 1, 1))
	assert.NotEqual(t, base, c.PageIV(1, 2, 1))
	assert.NotEqual(t, base, c.PageIV(1, 1, 2))
	assert.Equal(t, base, c.PageIV(1, 1, 1))
}

func TestPageIVFileAndCounterDoNotCancel(t *testing.T) {
	c := testCipher(t)
	assert.NotEqual(t, c.PageIV(1, 0, 2), c.PageIV(2, 0, 1))
	assert.NotEqual(t, c.PageIV(3, 7, 0), c.PageIV(0, 7, 3))
}
