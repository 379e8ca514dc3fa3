// Package tokenizer turns free text into normalised, stemmed terms for the
// index and the CTR feature extractor. Segmentation follows UAX#29 word
// boundaries, each segment is NFKC-normalised and lower-cased, stop-words are
// removed and Latin words are reduced with the Snowball English stemmer.
// Runs of Han ideographs are segmented into dictionary words with gse.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/words"
	"github.com/go-ego/gse"
	"github.com/kljensen/snowball/english"
	"golang.org/x/text/unicode/norm"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "就": {},
	"都": {}, "而": {}, "及": {}, "与": {}, "着": {}, "或": {},
	"也": {}, "被": {}, "把": {}, "之": {}, "其": {}, "这": {},
	"那": {}, "个": {}, "们": {}, "吗": {}, "呢": {}, "吧": {},
}

// Token is a single normalised term. Start and End are byte offsets of the
// source span in the original text; Position counts emitted tokens.
type Token struct {
	Term     string
	Position int
	Start    int
	End      int
}

// Analyzer converts text into tokens. Implementations must be deterministic.
type Analyzer interface {
	Tokenize(text string) []Token
}

// Standard is the default Analyzer.
type Standard struct{}

// Default is the analyzer used when a component is not given one.
var Default Analyzer = Standard{}

// Tokenize breaks text into tokens using the Default analyzer.
func Tokenize(text string) []Token {
	return Default.Tokenize(text)
}

// Terms returns only the term strings of Tokenize(text), in order.
func Terms(text string) []string {
	tokens := Default.Tokenize(text)
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	return terms
}

func (Standard) Tokenize(text string) []Token {
	st := &stream{text: text, tokens: make([]Token, 0, len(text)/6), hanStart: -1}
	seg := words.FromString(text)
	offset := 0
	for seg.Next() {
		raw := seg.Value()
		start := offset
		offset += len(raw)
		if !hasAlnum(raw) {
			st.flushHan()
			continue
		}
		st.segment(raw, start)
	}
	st.flushHan()
	return st.tokens
}

// stream accumulates tokens for one text. UAX#29 breaks between every
// ideograph, so a Han run spanning several segments is collected in
// [hanStart, hanEnd) and segmented as a whole.
type stream struct {
	text     string
	tokens   []Token
	hanStart int
	hanEnd   int
}

// segment splits a word segment into runs of Han and non-Han runes.
func (st *stream) segment(raw string, base int) {
	runStart := -1
	for i, r := range raw {
		if unicode.Is(unicode.Han, r) {
			if runStart >= 0 {
				st.tokens = appendWord(st.tokens, raw[runStart:i], base+runStart)
				runStart = -1
			}
			st.extendHan(base+i, base+i+utf8.RuneLen(r))
			continue
		}
		st.flushHan()
		if runStart < 0 {
			runStart = i
		}
	}
	if runStart >= 0 {
		st.tokens = appendWord(st.tokens, raw[runStart:], base+runStart)
	}
}

func (st *stream) extendHan(start, end int) {
	if st.hanStart >= 0 && st.hanEnd == start {
		st.hanEnd = end
		return
	}
	st.flushHan()
	st.hanStart, st.hanEnd = start, end
}

func (st *stream) flushHan() {
	if st.hanStart < 0 {
		return
	}
	run := st.text[st.hanStart:st.hanEnd]
	cursor := 0
	for _, w := range cutHan(run) {
		i := strings.Index(run[cursor:], w)
		if w == "" || i < 0 {
			continue
		}
		st.tokens = appendWord(st.tokens, w, st.hanStart+cursor+i)
		cursor += i + len(w)
	}
	st.hanStart = -1
}

var hanDict struct {
	once sync.Once
	seg  gse.Segmenter
	err  error
}

// cutHan splits a run of ideographs into words using the embedded gse
// dictionary. The dictionary is loaded on first use; if it cannot be loaded
// every ideograph becomes its own word.
func cutHan(run string) []string {
	hanDict.once.Do(func() {
		hanDict.seg.SkipLog = true
		if err := hanDict.seg.LoadDictEmbed(); err != nil {
			hanDict.err = err
			slog.Default().With("component", "tokenizer").Warn("han dictionary unavailable, indexing single ideographs", "error", err)
		}
	})
	if hanDict.err != nil || utf8.RuneCountInString(run) == 1 {
		return splitRunes(run)
	}
	return hanDict.seg.Cut(run, false)
}

func splitRunes(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for i, r := range s {
		out = append(out, s[i:i+utf8.RuneLen(r)])
	}
	return out
}

func appendWord(tokens []Token, raw string, start int) []Token {
	term := strings.ToLower(norm.NFKC.String(raw))
	term = strings.TrimFunc(term, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if term == "" {
		return tokens
	}
	if !isHan(term) && utf8.RuneCountInString(term) < 2 {
		return tokens
	}
	if _, isStop := stopWords[term]; isStop {
		return tokens
	}
	if isLatin(term) {
		term = english.Stem(term, false)
		if term == "" {
			return tokens
		}
	}
	return append(tokens, Token{
		Term:     term,
		Position: len(tokens),
		Start:    start,
		End:      start + len(raw),
	})
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isHan(s string) bool {
	for _, r := range s {
		if !unicode.Is(unicode.Han, r) {
			return false
		}
	}
	return s != ""
}

func isLatin(s string) bool {
	letters := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r), r == '\'', r == '.', r == '_':
		case unicode.Is(unicode.Latin, r):
			letters++
		default:
			return false
		}
	}
	return letters > 0
}
