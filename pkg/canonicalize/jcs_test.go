package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	got, err := JCS(map[string]interface{}{
		"b": 2,
		"a": 1,
		"x": map[string]interface{}{"z": 10, "y": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"x":{"y":5,"z":10}}`, string(got))
}

func TestJCS_StructTagsAndNoHTMLEscape(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int64  `json:"alpha"`
	}
	got, err := JCS(payload{Zeta: "<a&b>", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zeta":"<a&b>"}`, string(got))
}

func TestJCS_NumbersAreECMAScriptFormatted(t *testing.T) {
	got, err := JCS(map[string]interface{}{"r": 0.10, "i": 1e3, "n": -0.5})
	require.NoError(t, err)
	assert.Equal(t, `{"i":1000,"n":-0.5,"r":0.1}`, string(got))
}

func TestJCS_NFCNormalisation(t *testing.T) {
	// "é" composed versus "e" + combining acute accent.
	composed, err := JCS(map[string]string{"name": "caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := JCS(map[string]string{"name": "cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestChainHash_SeparatesFields(t *testing.T) {
	assert.NotEqual(t, ChainHash("ab", "c"), ChainHash("a", "bc"))
	assert.Equal(t, ChainHash("a", "b"), ChainHash("a", "b"))
	assert.Len(t, ZeroHash, 64)
}
