package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestComputeMatchesSingle(t *testing.T) {
	assert.EqualValues(t, 0xA14A, Compute([]byte{10}))
}

func TestComputeChangesWithEveryByte(t *testing.T) {
	a := Compute([]byte{1, 2, 3})
	b := Compute([]byte{1, 2, 4})
	assert.NotEqual(t, a, b)
}
