package cardgen

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// zeroReader always yields zero bytes, so every candidate is identical.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestGenerate(t *testing.T) {
	for _, length := range []int{16, 17, 18, 19} {
		g, err := NewGenerator("421234", length)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			pan, err := g.Generate()
			require.NoError(t, err)
			require.Len(t, pan, length)
			require.True(t, strings.HasPrefix(pan, "421234"))
			require.NoError(t, ValidatePAN(pan))
		}
	}
}

func TestNewGeneratorRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		length int
	}{
		{"too short", "421234", 15},
		{"too long", "421234", 20},
		{"non digit prefix", "42a234", 16},
		{"prefix fills number", "421234123412345", 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.prefix, tt.length)
			require.Error(t, err)
		})
	}

	g, err := NewGenerator("42123412341234", 16)
	require.NoError(t, err)
	pan, err := g.Generate()
	require.NoError(t, err)
	require.Len(t, pan, 16)
	require.NoError(t, ValidatePAN(pan))

	g, err = NewGenerator("", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultLength, g.Length)
}

func TestRandomDigitsRejectsBiasedBytes(t *testing.T) {
	// 250..255 are dropped, 13 -> 3, 7 -> 7
	src := bytes.NewReader([]byte{250, 255, 13, 251, 7})
	got, err := randomDigits(src, 2)
	require.NoError(t, err)
	require.Equal(t, "37", got)
}

func TestLuhn(t *testing.T) {
	require.NoError(t, ValidatePAN("4111111111111111"))
	require.NoError(t, ValidatePAN("4012888888881881"))
	require.Error(t, ValidatePAN("4111111111111112"))
	require.Error(t, ValidatePAN("4111-1111-1111-1111"))
	require.Error(t, ValidatePAN("411111111111"))
	require.Error(t, ValidatePAN(""))
}

func TestGenerateUniqueRetriesOnCollision(t *testing.T) {
	g := &Generator{Prefix: "421234", Length: 16, Rand: zeroReader{}}

	calls := 0
	pan, err := g.GenerateUnique(3, func(pan string) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.NoError(t, ValidatePAN(pan))

	calls = 0
	_, err = g.GenerateUnique(3, func(string) (bool, error) {
		calls++
		return false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 4, calls)

	boom := errors.New("boom")
	_, err = g.GenerateUnique(3, func(string) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)
}

func TestHashPANNormalizes(t *testing.T) {
	key := []byte("pepper")
	require.Equal(t, HashPAN("4111111111111111", key), HashPAN("4111 1111-1111 1111", key))
	require.NotEqual(t, HashPAN("4111111111111111", key), HashPAN("4111111111111111", []byte("other")))
}

func TestHelpers(t *testing.T) {
	require.Equal(t, "1111", LastN("4111111111111111", 4))
	require.Equal(t, "411111", BIN("4111111111111111"))
	require.True(t, IsDigits("0123"))
	require.False(t, IsDigits("01a3"))
}
