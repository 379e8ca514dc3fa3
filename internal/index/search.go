package index

import (
	"math"
	"sort"
)

// Hit is a scored document with its highlighted summary.
type Hit struct {
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// queryTerms returns the distinct terms of query in first-occurrence order.
func (ix *Index) queryTerms(query string) []string {
	tokens := ix.analyzer.Tokenize(query)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, dup := seen[tok.Term]; dup {
			continue
		}
		seen[tok.Term] = struct{}{}
		terms = append(terms, tok.Term)
	}
	return terms
}

// QueryTerms exposes the distinct analysed terms of query.
func (ix *Index) QueryTerms(query string) []string {
	return ix.queryTerms(query)
}

// Search returns the topK documents sharing at least one term with query,
// by descending TF-IDF score and then ascending doc id. topK <= 0 returns
// every match. A query with no terms yields an empty slice.
func (ix *Index) Search(query string, topK int) []Hit {
	terms := ix.queryTerms(query)
	if len(terms) == 0 {
		return []Hit{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make(map[string]struct{})
	for _, term := range terms {
		for id := range ix.postings[term] {
			candidates[id] = struct{}{}
		}
	}
	hits := make([]Hit, 0, len(candidates))
	for id := range candidates {
		hits = append(hits, Hit{DocID: id, Score: ix.scoreLocked(ix.docs[id], terms)})
	}
	sortHits(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	termSet := toSet(terms)
	for i := range hits {
		hits[i].Summary = ix.summaryLocked(ix.docs[hits[i].DocID], termSet)
	}
	return hits
}

// Lookup scores and summarises the given candidates in candidate order,
// dropping ids that are unknown or share no term with query.
func (ix *Index) Lookup(query string, docIDs []string) []Hit {
	terms := ix.queryTerms(query)
	if len(terms) == 0 {
		return []Hit{}
	}
	termSet := toSet(terms)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]Hit, 0, len(docIDs))
	seen := make(map[string]struct{}, len(docIDs))
	for _, id := range docIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		doc, ok := ix.docs[id]
		if !ok || !sharesTerm(doc, terms) {
			continue
		}
		hits = append(hits, Hit{
			DocID:   id,
			Score:   ix.scoreLocked(doc, terms),
			Summary: ix.summaryLocked(doc, termSet),
		})
	}
	return hits
}

// scoreLocked sums tf(t,d)*idf(t) over the distinct query terms, where
// tf = count/length and idf = ln(N/df). Terms absent from the index add 0.
func (ix *Index) scoreLocked(doc *Document, terms []string) float64 {
	if doc.Length == 0 {
		return 0
	}
	n := float64(len(ix.docs))
	var score float64
	for _, term := range terms {
		df := len(ix.postings[term])
		if df == 0 {
			continue
		}
		tf := float64(doc.TermFreqs[term]) / float64(doc.Length)
		score += tf * math.Log(n/float64(df))
	}
	return score
}

func sharesTerm(doc *Document, terms []string) bool {
	for _, term := range terms {
		if doc.TermFreqs[term] > 0 {
			return true
		}
	}
	return false
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
}

func toSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}
