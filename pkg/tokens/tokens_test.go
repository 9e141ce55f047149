package tokens

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		mediaType string
		want      int64
	}{
		{name: "empty file", size: 0, mediaType: "text/plain", want: 5},
		{name: "negative size", size: -10, mediaType: "text/plain", want: 5},
		{name: "small text", size: 50000, mediaType: "text/plain", want: 5},
		{name: "boundary inclusive", size: 104857, mediaType: "application/json", want: 5},
		{name: "just above boundary", size: 104858, mediaType: "application/json", want: 7},
		{name: "large video", size: 50 * 1048576, mediaType: "video/mp4", want: 7},
		{name: "media type ignored", size: 104858, mediaType: "", want: 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Calculate(tc.size, tc.mediaType))
		})
	}
}

func TestCalculateMediaTypeHasNoEffect(t *testing.T) {
	types := []string{"text/plain", "text/csv", "image/png", "audio/wav", "video/mp4", "unknown/type"}
	for _, size := range []int64{1, 104857, 104858, 1 << 30} {
		want := Calculate(size, "")
		for _, mt := range types {
			assert.Equal(t, want, Calculate(size, mt), "size=%d type=%s", size, mt)
		}
	}
}

func TestPriceForSize(t *testing.T) {
	assert.Equal(t, 10.0, PriceForSize(1048576))
	assert.Equal(t, 0.0, PriceForSize(0))
	got := PriceForSize(50000)
	assert.True(t, math.Abs(got-0.476837158203125) < 1e-12, "price=%v", got)
}
