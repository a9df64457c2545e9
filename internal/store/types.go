package store

import (
	"time"
)

// IdentityRecord is a stable actor or character entry that owns zero or
// more face embeddings. Role names are scoped per title: the same
// person can play different characters in different movies.
type IdentityRecord struct {
	Key            string            `json:"key"`
	DisplayName    string            `json:"display_name"`
	Roles          map[string]string `json:"roles,omitempty"` // title -> character name
	Style          string            `json:"style,omitempty"` // palette token for annotation
	EmbeddingCount int               `json:"embedding_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// RoleFor returns the character name for a title, or "" when the
// identity has no role in that context.
func (r *IdentityRecord) RoleFor(title string) string {
	if r == nil || r.Roles == nil {
		return ""
	}
	return r.Roles[title]
}

// AssetRef points at the source image an embedding was computed from.
// The raw bytes live outside the store; the hash is what matters here.
type AssetRef struct {
	Source      string `json:"source"` // provider path or file name
	ContentHash string `json:"content_hash"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// FaceEmbedding is one stored face vector with its provenance.
type FaceEmbedding struct {
	ID          int64     `json:"id"`
	IdentityKey string    `json:"identity_key"`
	Vector      []float32 `json:"vector"`
	Asset       AssetRef  `json:"asset"`
	BBox        []float64 `json:"bbox"` // [x1, y1, x2, y2] in source pixels
	DetScore    float64   `json:"det_score"`
	Quality     float64   `json:"quality"`
	CreatedAt   time.Time `json:"created_at"`
}

// Result is one query hit: the owning identity and the exact cosine
// distance between the probe and the stored vector.
type Result struct {
	Identity    *IdentityRecord
	EmbeddingID int64
	Distance    float64
}

// Scope restricts query candidates to a set of identity keys, usually a
// title's cast list. A nil Scope means no restriction.
type Scope map[string]struct{}

// NewScope builds a Scope from identity keys.
func NewScope(keys ...string) Scope {
	s := make(Scope, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Allows reports whether the key passes the scope filter.
func (s Scope) Allows(key string) bool {
	if s == nil {
		return true
	}
	_, ok := s[key]
	return ok
}

// Stats summarizes store state.
type Stats struct {
	Identities      int     `json:"identities"`
	Embeddings      int     `json:"embeddings"`
	Deleted         int     `json:"deleted"`
	DeletedFraction float64 `json:"deleted_fraction"`
	Dimension       int     `json:"dimension"`
}
