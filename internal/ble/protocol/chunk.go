// internal/ble/protocol/chunk.go
package protocol

import "unicode/utf8"

// Chunk is one BulkData-sized window of a bulk buffer.
type Chunk struct {
	Offset int
	Data   []byte
}

// SplitChunks splits data into consecutive chunks of at most maxBytes,
// starting at offset 0. Returns nil for empty data.
func SplitChunks(data []byte, maxBytes int) []Chunk {
	if len(data) == 0 || maxBytes <= 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (len(data)+maxBytes-1)/maxBytes)
	for offset := 0; offset < len(data); offset += maxBytes {
		end := min(offset+maxBytes, len(data))
		chunks = append(chunks, Chunk{Offset: offset, Data: data[offset:end]})
	}
	return chunks
}

// TruncateText shortens text to at most maxBytes without splitting a UTF-8
// character, for the fixed-size text fields of SetName and NotifyUser.
func TruncateText(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	split := maxBytes
	// Walk back until we're at the start of a rune.
	for split > 0 && !utf8.RuneStart(text[split]) {
		split--
	}
	return text[:split]
}

// NewSetName builds a SetName message, truncating name to fit.
func NewSetName(name string) *SetName {
	m := &SetName{}
	copy(m.Name[:], TruncateText(name, MaxNameSize))
	return m
}
