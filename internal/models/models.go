package models

import (
	"time"
)

// Knowledge status values.
const (
	StatusEffective = "effective"
	StatusExpired   = "expired"
)

// TypeJSON tags records whose content is inline text rather than an uploaded file.
const TypeJSON = "json"

// KnowledgeRecord is the system-of-record row for one logical document.
type KnowledgeRecord struct {
	ID        int64     `db:"id" json:"id" gorm:"primaryKey;autoIncrement"`
	Type      string    `db:"type" json:"type" gorm:"size:32;not null"`
	Title     string    `db:"title" json:"title" gorm:"size:512;uniqueIndex;not null"`
	Business  string    `db:"business" json:"business" gorm:"size:128"`
	Scene     string    `db:"scene" json:"scene" gorm:"size:128"`
	Status    string    `db:"status" json:"status" gorm:"size:16;not null;default:effective"`
	FileURL   string    `db:"file_url" json:"file_url" gorm:"size:1024;index"`
	FileSize  int64     `db:"file_size" json:"file_size"`
	ReferNum  int64     `db:"refer_num" json:"refer_num"`
	Content   string    `db:"content" json:"content,omitempty" gorm:"type:text"` // inline text for TypeJSON records
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName keeps gorm on the same table name as the Postgres schema.
func (KnowledgeRecord) TableName() string { return "knowledge" }

// IsActive reports whether chunks of this record should be served.
func (k *KnowledgeRecord) IsActive() bool { return k.Status != StatusExpired }

// PositionedLine is one line of extracted text with its source page and line number.
type PositionedLine struct {
	Page int    `json:"page"`
	Line int    `json:"line"`
	Text string `json:"text"`
	OCR  bool   `json:"ocr,omitempty"`
}

// Span is the (page, line) range a chunk covers, inclusive on both ends.
type Span struct {
	Page    int `json:"page"`
	Line    int `json:"line"`
	EndPage int `json:"endPage"`
	EndLine int `json:"endLine"`
}

// Chunk is the unit stored in the vector index.
type Chunk struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"embedding,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ChunkMetadata carries the join key back to the knowledge table plus provenance.
type ChunkMetadata struct {
	KnowledgeID int64          `json:"knowledgeId"`
	SourceType  string         `json:"sourceType"`
	Title       string         `json:"title,omitempty"`
	Business    string         `json:"business,omitempty"`
	Scene       string         `json:"scene,omitempty"`
	Status      string         `json:"status"`
	IsActive    bool           `json:"isActive"`
	ChunkIndex  int            `json:"chunkIndex"`
	Span        Span           `json:"span"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Metadata keys used when metadata is flattened for external indexes and predicates.
const (
	MetaKnowledgeID = "knowledgeId"
	MetaSourceType  = "sourceType"
	MetaTitle       = "title"
	MetaBusiness    = "business"
	MetaScene       = "scene"
	MetaStatus      = "status"
	MetaIsActive    = "isActive"
	MetaChunkIndex  = "chunkIndex"
	MetaPage        = "page"
	MetaLine        = "line"
	MetaEndPage     = "endPage"
	MetaEndLine     = "endLine"
)

// AsMap flattens the metadata. Extra keys never shadow the fixed ones.
func (m ChunkMetadata) AsMap() map[string]any {
	out := make(map[string]any, 12+len(m.Extra))
	for k, v := range m.Extra {
		out[k] = v
	}
	out[MetaKnowledgeID] = m.KnowledgeID
	out[MetaSourceType] = m.SourceType
	out[MetaTitle] = m.Title
	out[MetaBusiness] = m.Business
	out[MetaScene] = m.Scene
	out[MetaStatus] = m.Status
	out[MetaIsActive] = m.IsActive
	out[MetaChunkIndex] = m.ChunkIndex
	out[MetaPage] = m.Span.Page
	out[MetaLine] = m.Span.Line
	out[MetaEndPage] = m.Span.EndPage
	out[MetaEndLine] = m.Span.EndLine
	return out
}

// MetadataFromMap is the inverse of AsMap. Numbers decoded from JSON arrive
// as float64 and are coerced.
func MetadataFromMap(in map[string]any) ChunkMetadata {
	var m ChunkMetadata
	extra := map[string]any{}
	for k, v := range in {
		switch k {
		case MetaKnowledgeID:
			m.KnowledgeID = toInt64(v)
		case MetaSourceType:
			m.SourceType, _ = v.(string)
		case MetaTitle:
			m.Title, _ = v.(string)
		case MetaBusiness:
			m.Business, _ = v.(string)
		case MetaScene:
			m.Scene, _ = v.(string)
		case MetaStatus:
			m.Status, _ = v.(string)
		case MetaIsActive:
			m.IsActive, _ = v.(bool)
		case MetaChunkIndex:
			m.ChunkIndex = int(toInt64(v))
		case MetaPage:
			m.Span.Page = int(toInt64(v))
		case MetaLine:
			m.Span.Line = int(toInt64(v))
		case MetaEndPage:
			m.Span.EndPage = int(toInt64(v))
		case MetaEndLine:
			m.Span.EndLine = int(toInt64(v))
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		m.Extra = extra
	}
	return m
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}
