package immo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculatePinBounds(t *testing.T) {
	inputs := []uint32{0, 1, 123456, 999999, 42}
	for _, input := range inputs {
		pin := CalculatePin(input)
		assert.Less(t, pin, uint32(1000000), "pin for %d must be six digits", input)
	}
}

func TestCalculatePinDeterministic(t *testing.T) {
	assert.Equal(t, CalculatePin(123456), CalculatePin(123456))
	assert.Equal(t, CalculatePin(999999), CalculatePin(999999))
}

func TestCalculatePinZeroStaysZero(t *testing.T) {
	// the LFSR never triggers on a zero state
	assert.Equal(t, uint32(0), CalculatePin(0))
}

func TestLast6Digits(t *testing.T) {
	value, ok := Last6Digits("KMHCG45C55U123456")
	assert.True(t, ok)
	assert.Equal(t, uint32(123456), value)

	value, ok = Last6Digits("654321")
	assert.True(t, ok)
	assert.Equal(t, uint32(654321), value)

	_, ok = Last6Digits("12345")
	assert.False(t, ok, "too short")

	_, ok = Last6Digits("KMHCG45C55U12345X")
	assert.False(t, ok, "non-digit in the tail")
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "Learnt", StatusLearnt.String())
	assert.Equal(t, "Virgin", StatusVirgin.String())
	assert.Contains(t, Status(42).String(), "unknown")
}
