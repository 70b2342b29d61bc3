// Package model holds the records shared by the storage engine and the
// memory engine: memories, relationships and access events.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is the lifecycle state of a memory.
type State string

const (
	StateCreated State = "CREATED"
	StateActive  State = "ACTIVE"
	StateFailed  State = "FAILED"
	StateStale   State = "STALE"
	StateDeleted State = "DELETED"
)

// Searchable reports whether memories in this state take part in search.
func (s State) Searchable(includeStale bool) bool {
	return s == StateActive || (includeStale && s == StateStale)
}

// Predefined memory types. Callers may use any other non-empty tag.
const (
	TypeObservation = "OBSERVATION"
	TypeDecision    = "DECISION"
	TypeOutcome     = "OUTCOME"
	TypeFact        = "FACT"
)

// Predefined relationship types. Callers may use any other non-empty tag.
const (
	RelatedTo   = "RELATED_TO"
	Supports    = "SUPPORTS"
	Contradicts = "CONTRADICTS"
	Causes      = "CAUSES"
	Follows     = "FOLLOWS"
)

// AccessType says how a retrieved memory was used.
type AccessType string

const (
	AccessRetrieve  AccessType = "RETRIEVE"
	AccessReference AccessType = "REFERENCE"
	AccessUpdate    AccessType = "UPDATE"
)

// Valid reports whether t is one of the known access types.
func (t AccessType) Valid() bool {
	switch t {
	case AccessRetrieve, AccessReference, AccessUpdate:
		return true
	}
	return false
}

// NormalizeTag upper-cases and trims a caller supplied type tag.
func NormalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

// Memory is a stored unit of knowledge.
type Memory struct {
	ID                   string     `json:"id"`
	Scope                string     `json:"scope"`
	Content              string     `json:"content"`
	Embedding            []float64  `json:"-"`
	EmbeddingModel       string     `json:"embedding_model,omitempty"`
	Type                 string     `json:"memory_type"`
	Importance           float64    `json:"importance_score"`
	Metadata             Metadata   `json:"metadata"`
	State                State      `json:"state"`
	CreatedBy            string     `json:"created_by,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	LastAccessedAt       *time.Time `json:"last_accessed_at,omitempty"`
	ImportanceComputedAt *time.Time `json:"importance_computed_at,omitempty"`
}

// Relationship is a directed, typed, weighted edge between two memories.
type Relationship struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	SourceID  string    `json:"source_memory_id"`
	TargetID  string    `json:"target_memory_id"`
	Type      string    `json:"relationship_type"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessEvent records that a memory was retrieved and, later, how that went.
type AccessEvent struct {
	ID           string     `json:"id"`
	Scope        string     `json:"scope"`
	MemoryID     string     `json:"memory_id"`
	AccessorID   string     `json:"accessor_id"`
	Type         AccessType `json:"access_type"`
	Context      string     `json:"context,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	OutcomeScore *float64   `json:"outcome_score,omitempty"`
	OutcomeNotes string     `json:"outcome_notes,omitempty"`
	Finalized    bool       `json:"finalized"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
}

// Entry is a single metadata key/value pair.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is an ordered key/value mapping with unique keys.
type Metadata []Entry

// Get returns the value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no backing array with m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	copy(out, m)
	return out
}

// Matches reports whether every key in want is present with an equal value.
func (m Metadata) Matches(want map[string]string) bool {
	for k, v := range want {
		got, ok := m.Get(k)
		if !ok || got != v {
			return false
		}
	}
	return true
}

// Validate rejects empty and duplicate keys.
func (m Metadata) Validate() error {
	seen := make(map[string]bool, len(m))
	for _, e := range m {
		if strings.TrimSpace(e.Key) == "" {
			return fmt.Errorf("metadata key must not be empty")
		}
		if seen[e.Key] {
			return fmt.Errorf("duplicate metadata key %q", e.Key)
		}
		seen[e.Key] = true
	}
	return nil
}

// MarshalJSON encodes the metadata as an array of pairs so order survives.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Entry(m))
}

// UnmarshalJSON accepts either the array-of-pairs form or a plain JSON
// object. Object keys come back sorted; callers that care about order send
// the array form.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*m = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]string
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		out := make(Metadata, 0, len(obj))
		for _, k := range sortedKeys(obj) {
			out = append(out, Entry{Key: k, Value: obj[k]})
		}
		*m = out
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*m = Metadata(entries)
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryRef identifies a memory by scope and id.
type MemoryRef struct {
	Scope string
	ID    string
}

// FinalizeResult says what an attempt to finalize an access event did.
type FinalizeResult int

const (
	// Finalized means this call set the outcome.
	Finalized FinalizeResult = iota
	// AlreadyFinalized means the event exists but an outcome was recorded before.
	AlreadyFinalized
	// NoSuchEvent means the id is unknown in this scope.
	NoSuchEvent
)

// CandidateFilter narrows the memories considered by a similarity search.
// Metadata filters are not part of it; the engine matches them on the
// decoded rows.
type CandidateFilter struct {
	Scope         string
	Types         []string
	MinImportance float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	IncludeStale  bool
}
