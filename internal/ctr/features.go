package ctr

import (
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/feedback"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/tokenizer"
)

// NumFeatures is the length of a feature Vector.
const NumFeatures = 9

// FeatureNames names each Vector slot; they are the keys of State.Weights.
var FeatureNames = [NumFeatures]string{
	"position_decay",
	"position",
	"tfidf_score",
	"match_ratio",
	"doc_ctr",
	"query_ctr",
	"query_length",
	"doc_length",
	"summary_length",
}

// Vector is the raw (unstandardised) feature vector of one impression.
type Vector [NumFeatures]float64

// History holds per-document and per-query click-through rates.
type History struct {
	DocCTR   map[string]float64 `json:"doc_ctr"`
	QueryCTR map[string]float64 `json:"query_ctr"`
}

// BuildHistory computes clicks/impressions per doc id and per query text
// over every record.
func BuildHistory(records []feedback.Record) History {
	type counts struct{ shown, clicked int }
	docs := make(map[string]*counts)
	queries := make(map[string]*counts)
	bump := func(m map[string]*counts, key string, clicked bool) {
		c, ok := m[key]
		if !ok {
			c = &counts{}
			m[key] = c
		}
		c.shown++
		if clicked {
			c.clicked++
		}
	}
	for _, r := range records {
		bump(docs, r.DocID, r.Clicked)
		bump(queries, r.Query, r.Clicked)
	}
	rate := func(m map[string]*counts) map[string]float64 {
		out := make(map[string]float64, len(m))
		for k, c := range m {
			out[k] = float64(c.clicked) / float64(c.shown)
		}
		return out
	}
	return History{DocCTR: rate(docs), QueryCTR: rate(queries)}
}

// Extract computes the feature vector for one (query, document, position)
// shown with the given TF-IDF score and plain-text summary. Training and
// prediction both go through this function.
func Extract(a tokenizer.Analyzer, h History, query, docID string, position int, score float64, summary string) Vector {
	queryTokens := a.Tokenize(query)
	summaryTokens := a.Tokenize(summary)

	summaryTerms := make(map[string]struct{}, len(summaryTokens))
	for _, tok := range summaryTokens {
		summaryTerms[tok.Term] = struct{}{}
	}
	distinct := make(map[string]struct{}, len(queryTokens))
	matched := 0
	for _, tok := range queryTokens {
		if _, dup := distinct[tok.Term]; dup {
			continue
		}
		distinct[tok.Term] = struct{}{}
		if _, ok := summaryTerms[tok.Term]; ok {
			matched++
		}
	}
	matchRatio := 0.0
	if len(distinct) > 0 {
		matchRatio = float64(matched) / float64(len(distinct))
	}

	return Vector{
		1.0 / float64(position+1),
		float64(position),
		score,
		matchRatio,
		h.DocCTR[docID],
		h.QueryCTR[query],
		float64(utf8.RuneCountInString(query)),
		float64(len(summaryTokens)),
		float64(utf8.RuneCountInString(summary)),
	}
}
