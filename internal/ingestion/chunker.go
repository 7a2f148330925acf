// Package ingestion splits extracted text into overlapping chunks sized
// for the embedding model.
package ingestion

import (
	"strings"
)

const (
	// charsPerToken approximates token length in characters.
	charsPerToken = 4

	// boundaryWindow is how far past the nominal chunk end the splitter
	// looks for a sentence terminator, in characters.
	boundaryWindow = 200
)

// Chunk is one piece of split text.
type Chunk struct {
	Index int
	Text  string
}

// ChunkerConfig controls chunk sizing. Sizes are in tokens and converted
// to characters with the charsPerToken approximation.
type ChunkerConfig struct {
	ChunkSizeTokens    int
	ChunkOverlapTokens int
}

// Chunker splits text into fixed-size chunks that prefer to break at
// sentence boundaries.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker, applying defaults for unset sizes.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.ChunkSizeTokens <= 0 {
		cfg.ChunkSizeTokens = 512
	}
	if cfg.ChunkOverlapTokens < 0 {
		cfg.ChunkOverlapTokens = 0
	}
	if cfg.ChunkOverlapTokens >= cfg.ChunkSizeTokens {
		cfg.ChunkOverlapTokens = cfg.ChunkSizeTokens / 4
	}

	return &Chunker{
		size:    cfg.ChunkSizeTokens * charsPerToken,
		overlap: cfg.ChunkOverlapTokens * charsPerToken,
	}
}

// isTerminator reports whether r ends a sentence.
func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// Split chunks the text. Consecutive chunks overlap by the configured
// amount, and each chunk extends past its nominal end to the nearest
// sentence terminator within the boundary window. Whitespace-only chunks
// are dropped; indexes of returned chunks are contiguous from zero.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []Chunk

	for start := 0; start < len(runes); {
		end := start + c.size
		if end >= len(runes) {
			end = len(runes)
		} else {
			// Extend to the nearest terminator within the window
			limit := end + boundaryWindow
			if limit > len(runes) {
				limit = len(runes)
			}
			for i := end; i < limit; i++ {
				if isTerminator(runes[i]) {
					end = i + 1
					break
				}
			}
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: piece})
		}

		if end >= len(runes) {
			break
		}

		// Advance from the emitted end, so consecutive chunks share
		// exactly the configured overlap even when the boundary search
		// extended the chunk
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}
