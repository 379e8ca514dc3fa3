// Package index implements an in-memory inverted index with TF-IDF ranked
// retrieval, highlighted summaries and whole-index snapshots.
//
// Writers (add, delete, clear, restore) take an exclusive lock; searches,
// lookups, stats and snapshots share a read lock and do not block each other.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

// Document is an indexed document. Content is kept verbatim for summaries.
type Document struct {
	ID        string
	Content   string
	TermFreqs map[string]int
	Length    int
}

// Stats are the aggregate index statistics. TotalTerms counts distinct terms
// and TotalTokens the sum of all document lengths.
type Stats struct {
	TotalDocuments   int     `json:"total_documents"`
	TotalTerms       int     `json:"total_terms"`
	TotalTokens      int     `json:"total_tokens"`
	AverageDocLength float64 `json:"average_doc_length"`
}

type Index struct {
	mu          sync.RWMutex
	analyzer    tokenizer.Analyzer
	docs        map[string]*Document
	postings    map[string]map[string]int
	totalTokens int

	summaryRunes  int
	contextRunes  int
	highlightPre  string
	highlightPost string

	logger *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithAnalyzer replaces the default tokenizer.
func WithAnalyzer(a tokenizer.Analyzer) Option {
	return func(ix *Index) { ix.analyzer = a }
}

// WithSummary sets the summary window size and how much context precedes the
// first match, both in runes.
func WithSummary(windowRunes, contextRunes int) Option {
	return func(ix *Index) {
		if windowRunes > 0 {
			ix.summaryRunes = windowRunes
		}
		if contextRunes >= 0 {
			ix.contextRunes = contextRunes
		}
	}
}

// WithHighlight sets the markup wrapped around matched terms in summaries.
func WithHighlight(pre, post string) Option {
	return func(ix *Index) {
		ix.highlightPre = pre
		ix.highlightPost = post
	}
}

// FromConfig translates the index section of the config into options.
func FromConfig(cfg config.IndexConfig) []Option {
	opts := []Option{WithSummary(cfg.SummaryRunes, cfg.ContextRunes)}
	if cfg.HighlightPre != "" || cfg.HighlightPost != "" {
		opts = append(opts, WithHighlight(cfg.HighlightPre, cfg.HighlightPost))
	}
	return opts
}

func New(opts ...Option) *Index {
	ix := &Index{
		analyzer:      tokenizer.Default,
		docs:          make(map[string]*Document),
		postings:      make(map[string]map[string]int),
		summaryRunes:  120,
		contextRunes:  30,
		highlightPre:  "<mark>",
		highlightPost: "</mark>",
		logger:        slog.Default().With("component", "index"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func (ix *Index) analyze(docID, content string) *Document {
	tokens := ix.analyzer.Tokenize(content)
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok.Term]++
	}
	return &Document{
		ID:        docID,
		Content:   content,
		TermFreqs: freqs,
		Length:    len(tokens),
	}
}

// AddDocument indexes content under docID, fully replacing any earlier
// version of the document.
func (ix *Index) AddDocument(docID, content string) error {
	if docID == "" {
		return apperrors.New(apperrors.ErrInvalidInput, "document id is empty")
	}
	doc := ix.analyze(docID, content)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
	ix.insertLocked(doc)
	ix.logger.Debug("document indexed", "doc_id", docID, "length", doc.Length, "terms", len(doc.TermFreqs))
	return nil
}

// AddDocuments indexes a batch. Invalid entries are skipped and reported in
// the returned error; the rest of the batch is still applied.
func (ix *Index) AddDocuments(docs map[string]string) (int, error) {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	added := 0
	for _, id := range ids {
		if err := ix.AddDocument(id, docs[id]); err != nil {
			errs = append(errs, fmt.Errorf("document %q: %w", id, err))
			continue
		}
		added++
	}
	if len(errs) > 0 {
		ix.logger.Warn("batch add skipped documents", "added", added, "skipped", len(errs))
	}
	return added, errors.Join(errs...)
}

// DeleteDocument removes the document and its postings. It reports whether
// the document existed.
func (ix *Index) DeleteDocument(docID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	existed := ix.removeLocked(docID)
	if existed {
		ix.logger.Debug("document deleted", "doc_id", docID)
	}
	return existed
}

// GetDocument returns the stored content of docID.
func (ix *Index) GetDocument(docID string) (string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	doc, ok := ix.docs[docID]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrDocumentNotFound, "document %q", docID)
	}
	return doc.Content, nil
}

// Documents returns a copy of every document's content keyed by id.
func (ix *Index) Documents() map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]string, len(ix.docs))
	for id, doc := range ix.docs {
		out[id] = doc.Content
	}
	return out
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Clear drops every document.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]*Document)
	ix.postings = make(map[string]map[string]int)
	ix.totalTokens = 0
	ix.logger.Info("index cleared")
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.statsLocked()
}

func (ix *Index) statsLocked() Stats {
	s := Stats{
		TotalDocuments: len(ix.docs),
		TotalTerms:     len(ix.postings),
		TotalTokens:    ix.totalTokens,
	}
	if s.TotalDocuments > 0 {
		s.AverageDocLength = float64(s.TotalTokens) / float64(s.TotalDocuments)
	}
	return s
}

// Verify recomputes postings and statistics from the documents and reports
// any drift from the incrementally maintained values.
func (ix *Index) Verify() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	postings, tokens := rebuildPostings(ix.docs)
	if err := comparePostings(postings, ix.postings); err != nil {
		return err
	}
	if tokens != ix.totalTokens {
		return fmt.Errorf("token count drift: maintained %d, scanned %d", ix.totalTokens, tokens)
	}
	return nil
}

func (ix *Index) insertLocked(doc *Document) {
	ix.docs[doc.ID] = doc
	for term, tf := range doc.TermFreqs {
		docs, ok := ix.postings[term]
		if !ok {
			docs = make(map[string]int)
			ix.postings[term] = docs
		}
		docs[doc.ID] = tf
	}
	ix.totalTokens += doc.Length
}

func (ix *Index) removeLocked(docID string) bool {
	doc, ok := ix.docs[docID]
	if !ok {
		return false
	}
	for term := range doc.TermFreqs {
		docs := ix.postings[term]
		delete(docs, docID)
		if len(docs) == 0 {
			delete(ix.postings, term)
		}
	}
	ix.totalTokens -= doc.Length
	delete(ix.docs, docID)
	return true
}

func rebuildPostings(docs map[string]*Document) (map[string]map[string]int, int) {
	postings := make(map[string]map[string]int)
	tokens := 0
	for id, doc := range docs {
		for term, tf := range doc.TermFreqs {
			if postings[term] == nil {
				postings[term] = make(map[string]int)
			}
			postings[term][id] = tf
		}
		tokens += doc.Length
	}
	return postings, tokens
}

func comparePostings(want, got map[string]map[string]int) error {
	if len(want) != len(got) {
		return fmt.Errorf("term count drift: expected %d, found %d", len(want), len(got))
	}
	for term, docs := range want {
		other, ok := got[term]
		if !ok {
			return fmt.Errorf("term %q missing from postings", term)
		}
		if len(docs) != len(other) {
			return fmt.Errorf("term %q: expected %d postings, found %d", term, len(docs), len(other))
		}
		for id, tf := range docs {
			if other[id] != tf {
				return fmt.Errorf("term %q doc %q: expected tf %d, found %d", term, id, tf, other[id])
			}
		}
	}
	return nil
}
