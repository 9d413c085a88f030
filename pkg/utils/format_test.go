package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatINR(t *testing.T) {
	cases := map[float64]string{
		0:          "Rs 0.00",
		999.5:      "Rs 999.50",
		1000:       "Rs 1,000.00",
		100000:     "Rs 1,00,000.00",
		1234567.5:  "Rs 12,34,567.50",
		-29500:     "-Rs 29,500.00",
		12345678.9: "Rs 1,23,45,678.90",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatINR(in), "amount %v", in)
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "+Rs 250.00", FormatPnL(250))
	assert.Equal(t, "-Rs 100.00", FormatPnL(-100))
	assert.Equal(t, "+12.50%", FormatPct(12.5))
	assert.Equal(t, "-3.00%", FormatPct(-3))
	assert.Equal(t, "1,00,000", FormatQty(100000))
	assert.Equal(t, "2.50 L", FormatCompact(250000))
	assert.Equal(t, "1.20 Cr", FormatCompact(12000000))
	assert.Equal(t, "Rs 5,000.00", FormatCompact(5000))
}
