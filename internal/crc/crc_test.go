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

func TestOfMatchesSingle(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	var c CRC16
	c.Block(data)
	assert.EqualValues(t, c, Of(data, 0))
}
