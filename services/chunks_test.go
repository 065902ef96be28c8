package services

import "testing"

func TestCalculateChunks(t *testing.T) {
	tests := []struct {
		name       string
		totalPages int
		config     ChunkConfig
		want       []PageRange
	}{
		{
			name:       "twelve pages default config",
			totalPages: 12,
			config:     ChunkConfig{PagesPerChunk: 4, OverlapPages: 1},
			want:       []PageRange{{0, 4}, {3, 7}, {6, 10}, {9, 12}},
		},
		{
			name:       "exact single chunk",
			totalPages: 4,
			config:     ChunkConfig{PagesPerChunk: 4, OverlapPages: 1},
			want:       []PageRange{{0, 4}},
		},
		{
			name:       "one page",
			totalPages: 1,
			config:     ChunkConfig{PagesPerChunk: 4, OverlapPages: 1},
			want:       []PageRange{{0, 1}},
		},
		{
			name:       "no overlap",
			totalPages: 7,
			config:     ChunkConfig{PagesPerChunk: 3, OverlapPages: 0},
			want:       []PageRange{{0, 3}, {3, 6}, {6, 7}},
		},
		{
			name:       "last chunk clipped",
			totalPages: 5,
			config:     ChunkConfig{PagesPerChunk: 4, OverlapPages: 1},
			want:       []PageRange{{0, 4}, {3, 5}},
		},
		{
			name:       "overlap equal to width still advances",
			totalPages: 3,
			config:     ChunkConfig{PagesPerChunk: 2, OverlapPages: 2},
			want:       []PageRange{{0, 2}, {1, 3}},
		},
		{
			name:       "zero pages",
			totalPages: 0,
			config:     ChunkConfig{PagesPerChunk: 4, OverlapPages: 1},
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateChunks(tt.totalPages, tt.config)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks %v, want %d chunks %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// Every page must be covered, and with a non-zero overlap every adjacent pair
// of pages must appear together in at least one chunk, so an answer spanning
// a boundary is fully visible somewhere.
func TestChunkCoverage(t *testing.T) {
	for totalPages := 1; totalPages <= 40; totalPages++ {
		chunks := CalculateChunks(totalPages, ChunkConfig{PagesPerChunk: 4, OverlapPages: 1})

		covered := make([]bool, totalPages)
		pairCovered := make([]bool, totalPages) // pairCovered[i]: pages i and i+1 share a chunk
		for _, c := range chunks {
			for p := c.Start; p < c.End; p++ {
				covered[p] = true
				if p+1 < c.End {
					pairCovered[p] = true
				}
			}
		}

		for p := 0; p < totalPages; p++ {
			if !covered[p] {
				t.Fatalf("totalPages=%d: page %d not covered by %v", totalPages, p, chunks)
			}
		}
		for p := 0; p+1 < totalPages; p++ {
			if !pairCovered[p] {
				t.Fatalf("totalPages=%d: boundary between pages %d and %d not covered by any chunk %v",
					totalPages, p, p+1, chunks)
			}
		}
	}
}

// With zero overlap, adjacent pages at chunk boundaries never share a chunk.
// This documents the failure mode the overlap exists to prevent.
func TestChunkZeroOverlapLosesBoundaries(t *testing.T) {
	chunks := CalculateChunks(8, ChunkConfig{PagesPerChunk: 4, OverlapPages: 0})

	sharesChunk := func(a, b int) bool {
		for _, c := range chunks {
			if a >= c.Start && a < c.End && b >= c.Start && b < c.End {
				return true
			}
		}
		return false
	}

	if sharesChunk(3, 4) {
		t.Errorf("pages 3 and 4 share a chunk with zero overlap: %v", chunks)
	}
	if !sharesChunk(2, 3) {
		t.Errorf("pages 2 and 3 should share a chunk: %v", chunks)
	}
}
