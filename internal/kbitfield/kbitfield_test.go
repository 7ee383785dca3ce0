package kbitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fdFlags struct {
	CloseOnExec bool   `bitfield:",1"`
	Mode        uint32 `bitfield:",3"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	in := fdFlags{CloseOnExec: true, Mode: 5}
	packed, err := Pack(&in, &Config{NumBits: 8})
	assert.NoError(t, err)

	var out fdFlags
	assert.NoError(t, Unpack(packed, &out))
	assert.Equal(t, in, out)
}

func TestPackRejectsOverflow(t *testing.T) {
	in := fdFlags{Mode: 255}
	_, err := Pack(&in, &Config{NumBits: 8})
	assert.Error(t, err)
}
