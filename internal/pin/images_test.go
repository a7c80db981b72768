package pin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLargestImageURL(t *testing.T) {
	tests := []struct {
		name string
		urls map[string]string
		want string
	}{
		{"original wins", map[string]string{"original": "X", "736": "Y"}, "X"},
		{"largest numeric", map[string]string{"736": "Y", "474": "Z"}, "Y"},
		{"suffix sizes", map[string]string{"236x": "A", "1200x": "B"}, "B"},
		{"first available", map[string]string{"small": "S", "default": "D"}, "D"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LargestImageURL(tt.urls))
		})
	}
}

func TestExtractImageURLs(t *testing.T) {
	t.Run("sizes without orig", func(t *testing.T) {
		got := ExtractImageURLs(Raw{"images": map[string]any{
			"236x":  map[string]any{"url": "http://i/236.jpg"},
			"736x":  map[string]any{"url": "http://i/736.jpg"},
			"60x60": map[string]any{"width": 60},
		}})
		assert.Equal(t, map[string]string{"236": "http://i/236.jpg", "736": "http://i/736.jpg"}, got)
		assert.Equal(t, "http://i/736.jpg", LargestImageURL(got))
	})

	t.Run("raw_data as json string", func(t *testing.T) {
		got := ExtractImageURLs(Raw{"raw_data": `{"images":{"orig":{"url":"http://i/o.jpg"}}}`})
		assert.Equal(t, map[string]string{"original": "http://i/o.jpg"}, got)
	})

	t.Run("single image field", func(t *testing.T) {
		assert.Equal(t, map[string]string{"default": "http://i/a.jpg"}, ExtractImageURLs(Raw{"image": "http://i/a.jpg"}))
		assert.Nil(t, ExtractImageURLs(Raw{"image": "not-a-url"}))
	})

	t.Run("nothing", func(t *testing.T) {
		assert.Nil(t, ExtractImageURLs(Raw{"id": "1"}))
	})
}

func TestDecodeID(t *testing.T) {
	n, ok := DecodeID("UGluOjEyMzQ1Njc4OQ==")
	assert.True(t, ok)
	assert.Equal(t, "123456789", n)

	n, ok = DecodeID("UGluOjQy")
	assert.True(t, ok)
	assert.Equal(t, "42", n)

	for _, id := range []string{"123", "UGl4OjEy", "UGluOmFiYw==", "UGlu!!!"} {
		_, ok := DecodeID(id)
		assert.False(t, ok, id)
	}

	assert.Equal(t, "UGluOjEyMzQ1Njc4OQ==", EncodeID("123456789"))
	assert.Equal(t, "42", CanonicalID("UGluOjQy"))
	assert.Equal(t, "42", CanonicalID("42"))
}

func TestWinner(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, Winner([]Candidate{
		{StoredID: "UGluOjQy", CreatedAt: t0},
		{StoredID: "42", CreatedAt: t0.Add(time.Second)},
	}))
	assert.Equal(t, 0, Winner([]Candidate{
		{StoredID: "UGluOjQy", CreatedAt: t0.Add(time.Minute)},
		{StoredID: "42", CreatedAt: t0},
	}))
	// equal timestamps: smallest stored id
	assert.Equal(t, 1, Winner([]Candidate{
		{StoredID: "UGluOjQy", CreatedAt: t0},
		{StoredID: "42", CreatedAt: t0},
	}))
	assert.Equal(t, -1, Winner(nil))
}
