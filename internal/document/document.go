package document

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Fields is a JSON-shaped document payload.
type Fields map[string]any

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of f with patch applied on top (shallow, per key).
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = Fields{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Fields(val).Clone())
	case Fields:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Document is a single stored document.
//
// ServerTime is assigned by the remote store on every write and is the only
// value used to order a document against local optimistic state.
type Document struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Fields     Fields    `json:"fields"`
	ServerTime time.Time `json:"serverTime"`
}

// Snapshot is a point-in-time payload delivered by a live collection
// subscription.
//
// Documents holds every document matching the subscription at ReadTime,
// ordered by ID.
type Snapshot struct {
	Collection string     `json:"collection"`
	Filters    Filters    `json:"filters,omitempty"`
	Documents  []Document `json:"documents"`
	ReadTime   time.Time  `json:"readTime"`
}

// Sorted returns s with Documents ordered by ID. The receiver's slice is
// never reordered; an unsorted snapshot gets a sorted copy.
func (s Snapshot) Sorted() Snapshot {
	if slices.IsSortedFunc(s.Documents, compareIDs) {
		return s
	}
	s.Documents = slices.Clone(s.Documents)
	slices.SortStableFunc(s.Documents, compareIDs)
	return s
}

func compareIDs(a, b Document) int {
	return strings.Compare(a.ID, b.ID)
}

// Find returns the document with the given id. Documents must be ordered by
// ID; see Sorted.
func (s Snapshot) Find(id string) (Document, bool) {
	i, ok := slices.BinarySearchFunc(s.Documents, id, func(d Document, id string) int {
		return strings.Compare(d.ID, id)
	})
	if !ok {
		return Document{}, false
	}
	return s.Documents[i], true
}

// SortDocuments orders docs by ID in place.
func SortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
