package services

import "log"

// PageRange represents a contiguous range of pages, 0-indexed, end exclusive
type PageRange struct {
	Start int
	End   int
}

// ChunkConfig holds configuration for splitting a page set into chunks
type ChunkConfig struct {
	PagesPerChunk int // Default: 4
	OverlapPages  int // Default: 1
}

// DefaultChunkConfig returns the default chunking configuration
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		PagesPerChunk: 4,
		OverlapPages:  1,
	}
}

// CalculateChunks returns overlapping page ranges covering totalPages.
// Chunk i covers [i*(W-O), i*(W-O)+W) clipped to the page count, so an answer
// straddling a chunk boundary is fully visible in at least one chunk when
// the overlap is non-zero.
//
// Example: 12 pages with pagesPerChunk=4, overlap=1 returns
// [0,4) [3,7) [6,10) [9,12).
func CalculateChunks(totalPages int, config ChunkConfig) []PageRange {
	if totalPages <= 0 {
		return nil
	}

	if config.PagesPerChunk <= 0 {
		config.PagesPerChunk = 4
	}
	if config.OverlapPages < 0 {
		config.OverlapPages = 0
	}

	// Step between chunk starts; overlap >= width would stall the walk
	step := config.PagesPerChunk - config.OverlapPages
	if step <= 0 {
		step = 1
	}

	var chunks []PageRange
	for start := 0; start < totalPages; start += step {
		end := start + config.PagesPerChunk
		if end > totalPages {
			end = totalPages
		}

		chunks = append(chunks, PageRange{Start: start, End: end})

		if end >= totalPages {
			break
		}
	}

	log.Printf("[GRADING] Calculated %d chunks for %d pages (pagesPerChunk=%d, overlap=%d)",
		len(chunks), totalPages, config.PagesPerChunk, config.OverlapPages)

	return chunks
}
