package keycodec

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
)

var keyShape = regexp.MustCompile(`^[` + Alphabet + `]{5}(-[` + Alphabet + `]{5}){4}$`)

const productID = "3f0c9a52-7d1e-4b8a-9c44-5e2f1a6b7c8d"

func TestAlphabet(t *testing.T) {
	require.Len(t, Alphabet, 32)
	for _, banned := range "0O1I" {
		assert.NotContains(t, Alphabet, string(banned))
	}
	seen := map[rune]bool{}
	for _, r := range Alphabet {
		assert.False(t, seen[r], "duplicate symbol %q", r)
		seen[r] = true
	}
}

func TestGenerateKey_RoundTrip(t *testing.T) {
	for i := 0; i < 200; i++ {
		key, err := GenerateKey(productID)
		require.NoError(t, err)
		require.Regexp(t, keyShape, key)
		require.True(t, IsValidKey(key), "generated key %s must validate", key)
	}
}

func TestIsValidKey_NormalizesInput(t *testing.T) {
	key, err := GenerateKey(productID)
	require.NoError(t, err)

	assert.True(t, IsValidKey(strings.ToLower(key)))
	assert.True(t, IsValidKey(strings.ReplaceAll(key, "-", "")))
	assert.False(t, IsValidKey("  "+key+" "))
}

func TestIsValidKey_ChecksumSensitivity(t *testing.T) {
	var total, rejected int
	for n := 0; n < 20; n++ {
		key, err := GenerateKey(productID)
		require.NoError(t, err)
		raw := Normalize(key)

		for pos := 0; pos < PayloadLen; pos++ {
			for _, sym := range []byte(Alphabet) {
				if sym == raw[pos] {
					continue
				}
				mutated := []byte(raw)
				mutated[pos] = sym
				total++
				if !IsValidKey(string(mutated)) {
					rejected++
				}
			}
		}
	}
	ratio := float64(rejected) / float64(total)
	assert.GreaterOrEqual(t, ratio, 1-1.0/32, "single-symbol edits must almost always be caught")
}

func TestIsValidKey_FormatRejection(t *testing.T) {
	key, err := GenerateKey(productID)
	require.NoError(t, err)
	raw := Normalize(key)

	cases := map[string]string{
		"empty":        "",
		"too short":    raw[:24],
		"too long":     raw + "A",
		"zero":         "0" + raw[1:],
		"letter O":     raw[:3] + "O" + raw[4:],
		"one":          raw[:10] + "1" + raw[11:],
		"letter I":     raw[:21] + "I" + raw[22:],
		"punctuation":  raw[:5] + "_" + raw[6:],
		"wrong groups": raw[:24] + "--",
		"long s":       raw[:7] + "\u017f" + raw[8:],
		"dotless i":    raw[:2] + "\u0131" + raw[3:],
		"kelvin sign":  raw[:12] + "\u212a" + raw[13:],
		"fullwidth A":  raw[:4] + "\uff21" + raw[5:],
		"padded":       " " + raw,
		"tab":          raw[:24] + "\t",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, IsValidKey(input))
		})
	}
}

func TestIsValidKey_RejectsUnicodeCaseFolding(t *testing.T) {
	folds := map[byte]string{'S': "\u017f", 'K': "\u212a"}
	var checked int
	for n := 0; n < 200 && checked < 10; n++ {
		key, err := GenerateKey(productID)
		require.NoError(t, err)
		for ascii, lookalike := range folds {
			pos := strings.IndexByte(key, ascii)
			if pos < 0 {
				continue
			}
			require.True(t, IsValidKey(key))
			forged := key[:pos] + lookalike + key[pos+1:]
			assert.False(t, IsValidKey(forged), forged)
			checked++
		}
	}
	require.Positive(t, checked)
}

func TestGenerateKey_DeterministicEntropy(t *testing.T) {
	entropy := bytes.Repeat([]byte{0xAB}, randomBytes)
	g := NewGenerator(bytes.NewReader(entropy))

	key, err := g.GenerateKey(productID)
	require.NoError(t, err)
	assert.True(t, IsValidKey(key))

	_, err = g.GenerateKey(productID)
	require.Error(t, err, "exhausted entropy must surface")
}

func TestGenerateMany_Distinct(t *testing.T) {
	keys, err := GenerateMany(productID, MaxBatch)
	require.NoError(t, err)
	require.Len(t, keys, MaxBatch)

	seen := map[string]bool{}
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
		assert.True(t, IsValidKey(k))
	}
}

func TestGenerateMany_SkipsDuplicates(t *testing.T) {
	var stream []byte
	block := func(b byte) []byte { return bytes.Repeat([]byte{b}, randomBytes) }
	stream = append(stream, block(0x01)...)
	stream = append(stream, block(0x01)...)
	stream = append(stream, block(0x02)...)

	g := NewGenerator(bytes.NewReader(stream))
	keys, err := g.GenerateMany(productID, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
}

func TestGenerateMany_CountBounds(t *testing.T) {
	for _, count := range []int{0, -1, MaxBatch + 1} {
		_, err := GenerateMany(productID, count)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "count %d", count)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "ABCDE-FGHJK", Format("ABCDEFGHJK"))
	assert.Equal(t, "ABCDE-FG", Format("ABCDEFG"))
}

func TestProductBindingShortID(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 'a', 'b'}, productBinding("ab"))
	assert.Equal(t, []byte("7c8d9"), productBinding("xx7c8d9"))
}
