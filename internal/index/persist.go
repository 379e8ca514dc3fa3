package index

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

// SnapshotVersion is the current persisted format version.
const SnapshotVersion = 1

// Snapshot is the persisted form of an index. Postings and stats are stored
// alongside the documents so a load can check them against a rebuild.
type Snapshot struct {
	Version   int                       `json:"version"`
	Documents []SnapshotDocument        `json:"documents"`
	Postings  map[string]map[string]int `json:"postings"`
	Stats     *Stats                    `json:"stats"`
}

type SnapshotDocument struct {
	ID              string         `json:"id"`
	Content         string         `json:"content"`
	Length          int            `json:"length"`
	TermFrequencies map[string]int `json:"term_frequencies"`
}

// LoadError reports persisted index state that cannot be restored.
type LoadError struct {
	Key    string
	Reason string
}

func (e *LoadError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("malformed index snapshot: %s", e.Reason)
	}
	return fmt.Sprintf("malformed index snapshot %q: %s", e.Key, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return apperrors.ErrMalformedState
}

// Snapshot captures the full index state, documents ordered by id.
func (ix *Index) Snapshot() *Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	docs := make([]SnapshotDocument, 0, len(ix.docs))
	for _, doc := range ix.docs {
		tf := make(map[string]int, len(doc.TermFreqs))
		for term, n := range doc.TermFreqs {
			tf[term] = n
		}
		docs = append(docs, SnapshotDocument{
			ID:              doc.ID,
			Content:         doc.Content,
			Length:          doc.Length,
			TermFrequencies: tf,
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	postings := make(map[string]map[string]int, len(ix.postings))
	for term, ids := range ix.postings {
		cp := make(map[string]int, len(ids))
		for id, n := range ids {
			cp[id] = n
		}
		postings[term] = cp
	}
	stats := ix.statsLocked()
	return &Snapshot{
		Version:   SnapshotVersion,
		Documents: docs,
		Postings:  postings,
		Stats:     &stats,
	}
}

// Restore replaces the index contents with snap after validating it. On
// error the index is left unchanged.
func (ix *Index) Restore(snap *Snapshot) error {
	docs, postings, tokens, err := validateSnapshot(snap)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = docs
	ix.postings = postings
	ix.totalTokens = tokens
	return nil
}

func validateSnapshot(snap *Snapshot) (map[string]*Document, map[string]map[string]int, int, error) {
	fail := func(format string, args ...any) (map[string]*Document, map[string]map[string]int, int, error) {
		return nil, nil, 0, &LoadError{Reason: fmt.Sprintf(format, args...)}
	}
	if snap == nil {
		return fail("snapshot is empty")
	}
	if snap.Version != SnapshotVersion {
		return fail("unsupported version %d", snap.Version)
	}
	if snap.Documents == nil || snap.Postings == nil || snap.Stats == nil {
		return fail("missing documents, postings or stats")
	}

	docs := make(map[string]*Document, len(snap.Documents))
	for _, sd := range snap.Documents {
		if sd.ID == "" {
			return fail("document with empty id")
		}
		if _, dup := docs[sd.ID]; dup {
			return fail("duplicate document %q", sd.ID)
		}
		length := 0
		tf := make(map[string]int, len(sd.TermFrequencies))
		for term, n := range sd.TermFrequencies {
			if n <= 0 {
				return fail("document %q: term %q has frequency %d", sd.ID, term, n)
			}
			tf[term] = n
			length += n
		}
		if length != sd.Length {
			return fail("document %q: length %d does not match term frequencies (%d)", sd.ID, sd.Length, length)
		}
		docs[sd.ID] = &Document{ID: sd.ID, Content: sd.Content, TermFreqs: tf, Length: sd.Length}
	}

	postings, tokens := rebuildPostings(docs)
	if err := comparePostings(postings, snap.Postings); err != nil {
		return fail("postings disagree with documents: %v", err)
	}
	st := snap.Stats
	if st.TotalDocuments != len(docs) || st.TotalTerms != len(postings) || st.TotalTokens != tokens {
		return fail("stats disagree with documents: stored %d/%d/%d, computed %d/%d/%d",
			st.TotalDocuments, st.TotalTerms, st.TotalTokens, len(docs), len(postings), tokens)
	}
	avg := 0.0
	if len(docs) > 0 {
		avg = float64(tokens) / float64(len(docs))
	}
	if math.Abs(st.AverageDocLength-avg) > 1e-9 {
		return fail("average document length %g, computed %g", st.AverageDocLength, avg)
	}
	return docs, postings, tokens, nil
}

// Save writes a snapshot of the index to store under key.
func (ix *Index) Save(ctx context.Context, store storage.Store, key string) error {
	snap := ix.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling index snapshot: %w", err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	ix.logger.Info("index saved", "key", key, "documents", len(snap.Documents), "bytes", len(data))
	return nil
}

// Load replaces the index with the snapshot stored under key. A missing key
// returns storage.ErrNotFound; malformed state returns a *LoadError.
func (ix *Index) Load(ctx context.Context, store storage.Store, key string) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &LoadError{Key: key, Reason: err.Error()}
	}
	if err := ix.Restore(&snap); err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Key = key
		}
		return err
	}
	ix.logger.Info("index loaded", "key", key, "documents", len(snap.Documents))
	return nil
}
