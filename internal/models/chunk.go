package models

// NoPageNumber marks chunks whose source has no pagination (plain text,
// markdown, docx, OCR-derived blocks).
const NoPageNumber = 0

// Page is one unit of extracted text, in source order
type Page struct {
	Number int    `json:"page_number"`
	Text   string `json:"text"`
}

// Chunk represents a parsed chunk with provenance. ID is assigned by the
// vector store when the chunk is indexed.
type Chunk struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	SourceName string `json:"source_name"`
	PageNumber int    `json:"page_number"`
	CharOffset int    `json:"char_offset"`
}

// ScoredChunk is a search hit. Score is a distance: lower is closer.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Citation references a (source, page) consulted for an answer.
type Citation struct {
	SourceName string `json:"source_name"`
	PageNumber int    `json:"page_number"`
	Snippet    string `json:"snippet"`
}

// Prompt is what gets sent to the completion service
type Prompt struct {
	System string
	User   string
}

// Answer is the synthesized response to a question
type Answer struct {
	Text        string     `json:"answer"`
	Citations   []Citation `json:"citations"`
	ContextFree bool       `json:"context_free"`
}

// SourceInfo summarises one indexed document
type SourceInfo struct {
	SourceName string `json:"source_name"`
	Chunks     int    `json:"chunks"`
	Pages      int    `json:"pages"`
}

// Stats describes the knowledge base
type Stats struct {
	TotalChunks int          `json:"total_chunks"`
	Dimension   int          `json:"dimension"`
	Distance    string       `json:"distance"`
	Sources     []SourceInfo `json:"sources"`
}
