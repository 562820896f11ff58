package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCount(t *testing.T) {
	assert.Zero(t, Count(""))

	short := Count("Hello")
	assert.Positive(t, short)

	long := Count(strings.Repeat("Hello world. ", 100))
	assert.Greater(t, long, short)
}

func TestCountAll(t *testing.T) {
	assert.Equal(t, Count("a b c")+Count("d e f"), CountAll("a b c", "", "d e f"))
}
