package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashConcatMatchesHashData(t *testing.T) {
	joined := HashData([]byte("table-handle/supply"))
	parts := HashConcat([]byte("table-handle/"), []byte("supply"))
	assert.Equal(t, joined, parts)
	assert.NotEqual(t, joined, HashData([]byte("table-handle/supplx")))
}

func TestHashString(t *testing.T) {
	var h Hash
	h[0] = 0xab
	assert.Equal(t, "0xab"+strings.Repeat("0", 62), h.String())
}
