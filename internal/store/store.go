// Package store provides the hub's document storage adapter. All persisted
// state funnels through the Store interface so invariants (unique ids,
// idempotency, lease atomicity) live in one place. Three backends exist:
// in-memory (default), Redis, and PostgreSQL.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Collection names. Every persisted record lives in exactly one of these.
const (
	Agents       = "agents"
	Messages     = "messages"
	Groups       = "groups"
	GroupMembers = "group_members"
	GroupHistory = "group_history"
	WebhookQueue = "webhook_queue"
	Idempotency  = "idempotency"
	Tombstones   = "tombstones"
)

// MaxListLimit caps the number of documents a single List or Claim call may
// scan. Callers must paginate.
const MaxListLimit = 1000

// Sentinel errors shared by all backends.
var (
	ErrNotFound    = errors.New("store: document not found")
	ErrConflict    = errors.New("store: document already exists")
	ErrNoMatch     = errors.New("store: no document matches")
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Filter selects documents by top-level JSON fields. A plain field name means
// equality; a key may carry a comparison operator separated by a space, e.g.
// "leased_until <". Values compared with an operator must be numeric. An
// equality value may be a string slice, matching any of its elements.
type Filter map[string]any

// ListOptions controls filtering, ordering, and pagination of List and Claim.
// OrderBy names a numeric top-level field; ties break by document id. An
// empty OrderBy returns documents ordered by id.
type ListOptions struct {
	Filter  Filter
	OrderBy string
	Desc    bool
	Limit   int
	Cursor  string
}

// Write is one entry of an atomic batch. A nil Doc deletes the document.
// Insert marks a create-only write: the batch fails with ErrConflict when
// the id already exists, and no write in the batch is applied.
type Write struct {
	Collection string
	ID         string
	Doc        json.RawMessage
	Insert     bool
}

// Mutate transforms a claimed document. Returning an error aborts the claim.
type Mutate func(doc json.RawMessage) (json.RawMessage, error)

// Store is the uniform storage capability used by every hub component.
type Store interface {
	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	// Put creates or replaces a document.
	Put(ctx context.Context, collection, id string, doc json.RawMessage) error
	// Insert creates a document, failing with ErrConflict if the id exists.
	Insert(ctx context.Context, collection, id string, doc json.RawMessage) error
	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// List returns matching documents plus a cursor for the next page. The
	// scan is capped at MaxListLimit documents per call.
	List(ctx context.Context, collection string, opts ListOptions) ([]json.RawMessage, string, error)
	// Claim atomically applies mutate to the first document matching opts,
	// returning the mutated document, or ErrNoMatch. Unlike List, the match
	// considers the whole collection. Concurrent claims of the same document
	// serialize; exactly one caller wins each transition.
	Claim(ctx context.Context, collection string, opts ListOptions, mutate Mutate) (json.RawMessage, error)
	// Apply performs a batch of writes atomically. A Write marked Insert
	// fails the whole batch with ErrConflict when its id already exists.
	Apply(ctx context.Context, writes []Write) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// condition is one parsed Filter entry.
type condition struct {
	field string
	op    string // "=", "<", "<=", ">", ">="
	value any
}

// parseFilter splits filter keys into field and operator.
func parseFilter(f Filter) ([]condition, error) {
	conds := make([]condition, 0, len(f))
	for key, val := range f {
		field, op, found := strings.Cut(key, " ")
		if !found {
			op = "="
		}
		switch op {
		case "=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("store: unsupported filter operator %q", op)
		}
		if op != "=" {
			if _, ok := toNumber(val); !ok {
				return nil, fmt.Errorf("store: operator %q requires a numeric value for field %q", op, field)
			}
		}
		conds = append(conds, condition{field: field, op: op, value: val})
	}
	// Deterministic order keeps backend query plans and tests stable.
	sort.Slice(conds, func(i, j int) bool { return conds[i].field < conds[j].field })
	return conds, nil
}

// toNumber normalizes numeric values of any Go integer or float type.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// doc is a decoded document paired with its id for sorting and cursors.
type doc struct {
	id     string
	raw    json.RawMessage
	fields map[string]any
}

func decodeDoc(id string, raw json.RawMessage) (doc, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return doc{}, fmt.Errorf("store: decode document %s: %w", id, err)
	}
	return doc{id: id, raw: raw, fields: fields}, nil
}

// match reports whether d satisfies all conditions.
func match(d doc, conds []condition) bool {
	for _, c := range conds {
		got, ok := d.fields[c.field]
		if !ok {
			return false
		}
		if c.op == "=" {
			if !equalValue(got, c.value) {
				return false
			}
			continue
		}
		gotN, ok := toNumber(got)
		if !ok {
			return false
		}
		wantN, _ := toNumber(c.value)
		switch c.op {
		case "<":
			ok = gotN < wantN
		case "<=":
			ok = gotN <= wantN
		case ">":
			ok = gotN > wantN
		case ">=":
			ok = gotN >= wantN
		}
		if !ok {
			return false
		}
	}
	return true
}

// equalValue compares a decoded JSON value against a filter value. String
// slices match any element.
func equalValue(got, want any) bool {
	switch w := want.(type) {
	case []string:
		s, ok := got.(string)
		if !ok {
			return false
		}
		for _, cand := range w {
			if s == cand {
				return true
			}
		}
		return false
	case string:
		s, ok := got.(string)
		return ok && s == w
	case bool:
		b, ok := got.(bool)
		return ok && b == w
	default:
		wantN, ok := toNumber(want)
		if !ok {
			return false
		}
		gotN, ok := toNumber(got)
		return ok && gotN == wantN
	}
}

// orderKey extracts the numeric sort key for a document; documents missing
// the field sort last.
func orderKey(d doc, field string) (float64, bool) {
	if field == "" {
		return 0, true
	}
	v, ok := d.fields[field]
	if !ok {
		return 0, false
	}
	return toNumber(v)
}

// sortDocs orders docs by the numeric OrderBy field, ties broken by id.
func sortDocs(docs []doc, opts ListOptions) {
	sort.SliceStable(docs, func(i, j int) bool {
		ki, oki := orderKey(docs[i], opts.OrderBy)
		kj, okj := orderKey(docs[j], opts.OrderBy)
		if oki != okj {
			return oki // documents with the key sort before those without
		}
		if ki != kj {
			if opts.Desc {
				return ki > kj
			}
			return ki < kj
		}
		if opts.Desc {
			return docs[i].id > docs[j].id
		}
		return docs[i].id < docs[j].id
	})
}

// cursor is the opaque pagination token: the order key and id of the last
// document of the previous page.
type cursor struct {
	Key float64 `json:"k"`
	ID  string  `json:"id"`
}

func encodeCursor(c cursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("store: invalid cursor: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("store: invalid cursor: %w", err)
	}
	return c, nil
}

// afterCursor reports whether d comes strictly after the cursor position in
// the sort order described by opts.
func afterCursor(d doc, cur cursor, opts ListOptions) bool {
	k, ok := orderKey(d, opts.OrderBy)
	if !ok {
		return false
	}
	if k != cur.Key {
		if opts.Desc {
			return k < cur.Key
		}
		return k > cur.Key
	}
	if opts.Desc {
		return d.id < cur.ID
	}
	return d.id > cur.ID
}

// clampLimit applies the default and hard cap to a requested page size.
func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// paginate sorts, applies the cursor, and cuts one page. It returns the page
// and the next cursor ("" when the page is not full).
func paginate(docs []doc, opts ListOptions) ([]json.RawMessage, string) {
	sortDocs(docs, opts)

	if opts.Cursor != "" {
		cur, err := decodeCursor(opts.Cursor)
		if err == nil {
			filtered := docs[:0]
			for _, d := range docs {
				if afterCursor(d, cur, opts) {
					filtered = append(filtered, d)
				}
			}
			docs = filtered
		}
	}

	limit := clampLimit(opts.Limit)
	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		k, _ := orderKey(last, opts.OrderBy)
		next = encodeCursor(cursor{Key: k, ID: last.id})
	}

	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		out[i] = d.raw
	}
	return out, next
}
