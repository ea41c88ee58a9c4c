package hasher

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello")
const helloFingerprint = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSumKnownContent(t *testing.T) {
	fp, n, err := Sum(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(helloFingerprint), fp)
	assert.Equal(t, int64(5), n)
}

func TestSumDeterministic(t *testing.T) {
	content := strings.Repeat("some file content ", 1000)

	first, n1, err := Sum(strings.NewReader(content))
	require.NoError(t, err)
	second, n2, err := Sum(strings.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, n1, n2)
	assert.Len(t, first.String(), HexLen)
}

func TestSumEmpty(t *testing.T) {
	fp, n, err := Sum(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, Fingerprint("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"), fp)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("stream truncated")
}

func TestSumReadError(t *testing.T) {
	fp, _, err := Sum(failingReader{})
	require.Error(t, err)
	assert.Empty(t, fp)
}

func TestDigesterMatchesSum(t *testing.T) {
	d := New()
	for _, chunk := range []string{"he", "l", "lo"} {
		_, err := d.Write([]byte(chunk))
		require.NoError(t, err)
	}
	assert.Equal(t, Fingerprint(helloFingerprint), d.Fingerprint())
	assert.Equal(t, int64(5), d.Size())
}

func TestParse(t *testing.T) {
	fp, err := Parse(helloFingerprint)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(helloFingerprint), fp)

	for _, bad := range []string{
		"",
		"abc",
		strings.ToUpper(helloFingerprint),
		helloFingerprint[:63] + "g",
		helloFingerprint + "00",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestShard(t *testing.T) {
	fp := Fingerprint(helloFingerprint)
	a, b := fp.Shard()
	assert.Equal(t, "2c", a)
	assert.Equal(t, "f2", b)
}
