package model

// ChunkType 标识分块的来源。
type ChunkType string

const (
	ChunkTypeFile ChunkType = "file"
	ChunkTypeWeb  ChunkType = "web_scrape"
)

// Chunk 是向量索引中存储与检索的最小单位。
type Chunk struct {
	ID          string    `json:"id"`
	TenantID    uint      `json:"tenant_id"`
	Source      string    `json:"source"`
	SessionID   string    `json:"session_id"`
	SpecificURL string    `json:"specific_url,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	Type        ChunkType `json:"type"`
	Index       int       `json:"chunk_index"`
	Text        string    `json:"text_content"`
	Score       float64   `json:"score,omitempty"`
}

// EsDocument 定义了存储在 Elasticsearch 中的文档结构。
type EsDocument struct {
	ID           string    `json:"id"`
	TenantID     uint      `json:"tenant_id"`
	Source       string    `json:"source"`
	SessionID    string    `json:"session_id"`
	SpecificURL  string    `json:"specific_url,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	Type         ChunkType `json:"type"`
	ChunkIndex   int       `json:"chunk_index"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// ToDocument 把分块和向量组装成 ES 文档。
func (c Chunk) ToDocument(vector []float32, modelVersion string) EsDocument {
	return EsDocument{
		ID:           c.ID,
		TenantID:     c.TenantID,
		Source:       c.Source,
		SessionID:    c.SessionID,
		SpecificURL:  c.SpecificURL,
		FileName:     c.FileName,
		Type:         c.Type,
		ChunkIndex:   c.Index,
		TextContent:  c.Text,
		Vector:       vector,
		ModelVersion: modelVersion,
	}
}

// ToChunk 把 ES 文档还原成分块。
func (d EsDocument) ToChunk(score float64) Chunk {
	return Chunk{
		ID:          d.ID,
		TenantID:    d.TenantID,
		Source:      d.Source,
		SessionID:   d.SessionID,
		SpecificURL: d.SpecificURL,
		FileName:    d.FileName,
		Type:        d.Type,
		Index:       d.ChunkIndex,
		Text:        d.TextContent,
		Score:       score,
	}
}
