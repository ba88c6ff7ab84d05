package wire

// ChunkParams are the params of an uploadChunk call.
type ChunkParams struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	MimeType  string `json:"mimeType"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
}

// CompleteParams are the params of an uploadComplete call. Size is the total
// number of raw bytes across all chunks; zero means unknown.
type CompleteParams struct {
	SessionID string `json:"sessionId"`
	MimeType  string `json:"mimeType"`
	Tag       string `json:"tag"`
	Size      int    `json:"size,omitempty"`
}
