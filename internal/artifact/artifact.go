// Package artifact encodes per-chunk embedding artifacts as Parquet.
// One artifact file holds one chunk's vector plus enough identifiers to
// rebuild the vector store from blob storage alone.
package artifact

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ContentType is the MIME type used when storing artifacts.
const ContentType = "application/vnd.apache.parquet"

// Row is the Parquet schema of an embedding artifact.
type Row struct {
	ChunkID    string    `parquet:"chunk_id"`
	DocumentID string    `parquet:"document_id"`
	TenantID   string    `parquet:"tenant_id"`
	ChunkIndex int32     `parquet:"chunk_index"`
	Filename   string    `parquet:"filename"`
	Text       string    `parquet:"text"`
	Vector     []float32 `parquet:"vector"`
}

// Encode serializes rows to a Parquet file in memory.
func Encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads all rows from a Parquet file.
func Decode(data []byte) ([]Row, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	return rows, nil
}
