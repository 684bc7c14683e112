package vecstore

import (
	"strings"

	"github.com/hupe1980/vecstore/metadata"
)

// DefaultNResults is the number of neighbors returned when a query does not
// set NResults.
const DefaultNResults = 10

// Include selects the optional fields returned by Get and Query. IDs are
// always returned. A nil *Include selects documents and metadatas, plus
// distances for queries.
type Include struct {
	Documents  bool
	Embeddings bool
	Metadatas  bool
	Distances  bool
}

// IncludeAll returns every field.
func IncludeAll() *Include {
	return &Include{Documents: true, Embeddings: true, Metadatas: true, Distances: true}
}

func (i *Include) resolve(query bool) Include {
	if i == nil {
		return Include{Documents: true, Metadatas: true, Distances: query}
	}
	out := *i
	if !query {
		out.Distances = false
	}
	return out
}

// WhereDocument filters records by their document text. A nil filter
// matches every record. Records without a document never satisfy Contains.
type WhereDocument struct {
	Contains    string
	NotContains string
	And         []*WhereDocument
	Or          []*WhereDocument
}

// Matches reports whether doc satisfies w.
func (w *WhereDocument) Matches(doc *string) bool {
	if w == nil {
		return true
	}
	text := ""
	if doc != nil {
		text = *doc
	}
	if w.Contains != "" && (doc == nil || !strings.Contains(text, w.Contains)) {
		return false
	}
	if w.NotContains != "" && strings.Contains(text, w.NotContains) {
		return false
	}
	for _, sub := range w.And {
		if !sub.Matches(doc) {
			return false
		}
	}
	if len(w.Or) == 0 {
		return true
	}
	for _, sub := range w.Or {
		if sub.Matches(doc) {
			return true
		}
	}
	return false
}

// AddRequest adds or upserts records. Embeddings has one vector per id.
// Documents and Metadatas are optional; when set they have one element per
// id.
type AddRequest struct {
	IDs        []string
	Embeddings [][]float64
	Documents  []string
	Metadatas  []metadata.Document
}

// UpdateRequest changes existing records. Every slice other than IDs is
// optional; a nil slice or a nil element keeps the stored value. Metadatas
// are merged into the stored metadata, and a metadata.Null value removes a
// key.
type UpdateRequest struct {
	IDs        []string
	Embeddings [][]float64
	Documents  []*string
	Metadatas  []metadata.Document
}

// GetRequest selects records. Without IDs every record is considered, in
// write order of its latest version.
type GetRequest struct {
	IDs           []string
	Where         *metadata.FilterSet
	WhereDocument *WhereDocument
	Limit         int // 0 means no limit
	Offset        int
	Include       *Include
}

// DeleteRequest removes records by id, by filter, or both. At least one
// selector is required.
type DeleteRequest struct {
	IDs           []string
	Where         *metadata.FilterSet
	WhereDocument *WhereDocument
}

// QueryRequest ranks records by distance to each query embedding.
type QueryRequest struct {
	Embeddings    [][]float64
	NResults      int // 0 means DefaultNResults
	Where         *metadata.FilterSet
	WhereDocument *WhereDocument
	Include       *Include
}

// Record is one record as returned by GetResult.Records and
// QueryResult.Records.
type Record struct {
	ID        string
	Document  *string
	Embedding []float64
	Metadata  metadata.Document
	Distance  float64
}

// GetResult holds the records selected by Get as parallel columns.
// Columns that were not included are nil.
type GetResult struct {
	IDs        []string
	Documents  []*string
	Embeddings [][]float64
	Metadatas  []metadata.Document
}

// Len returns the number of records.
func (r *GetResult) Len() int { return len(r.IDs) }

// Records returns the result as a slice of records.
func (r *GetResult) Records() []Record {
	out := make([]Record, len(r.IDs))
	for i, id := range r.IDs {
		out[i].ID = id
		if r.Documents != nil {
			out[i].Document = r.Documents[i]
		}
		if r.Embeddings != nil {
			out[i].Embedding = r.Embeddings[i]
		}
		if r.Metadatas != nil {
			out[i].Metadata = r.Metadatas[i]
		}
	}
	return out
}

// QueryResult holds one ranked group per query embedding, in request order.
// Within a group records are ordered by ascending distance, ties by
// ascending id.
type QueryResult struct {
	IDs        [][]string
	Distances  [][]float64
	Documents  [][]*string
	Embeddings [][][]float64
	Metadatas  [][]metadata.Document
}

// Records returns the records of group i.
func (r *QueryResult) Records(i int) []Record {
	ids := r.IDs[i]
	out := make([]Record, len(ids))
	for j, id := range ids {
		out[j].ID = id
		if r.Distances != nil {
			out[j].Distance = r.Distances[i][j]
		}
		if r.Documents != nil {
			out[j].Document = r.Documents[i][j]
		}
		if r.Embeddings != nil {
			out[j].Embedding = r.Embeddings[i][j]
		}
		if r.Metadatas != nil {
			out[j].Metadata = r.Metadatas[i][j]
		}
	}
	return out
}
