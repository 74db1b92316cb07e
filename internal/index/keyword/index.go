package keyword

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// Doc is a unit indexed for lexical search.
type Doc struct {
	ID      string
	Title   string
	Text    string
	Topic   string
	Snippet string
}

// Match is one keyword hit. Score is a term-overlap score in [0,1]: the
// fraction of distinct query terms present in the document, with a small
// frequency bonus so richer matches rank above bare mentions.
type Match struct {
	ID      string
	Score   float64
	Snippet string
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "with": {},
}

type docEntry struct {
	terms   map[string]int
	topic   string
	snippet string
}

// Index is an in-memory inverted index over the corpus. It has no external
// dependency and is the fallback path when the embedding stack is unhealthy.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string]int
	docs     map[string]docEntry
	logger   *zap.Logger
}

func NewIndex(logger *zap.Logger) *Index {
	return &Index{
		postings: make(map[string]map[string]int),
		docs:     make(map[string]docEntry),
		logger:   logger,
	}
}

func (i *Index) Add(doc Doc) {
	terms := termFrequencies(doc.Title + " " + doc.Text)

	i.mu.Lock()
	defer i.mu.Unlock()

	if old, ok := i.docs[doc.ID]; ok {
		for term := range old.terms {
			delete(i.postings[term], doc.ID)
		}
	}

	i.docs[doc.ID] = docEntry{terms: terms, topic: doc.Topic, snippet: doc.Snippet}
	for term, freq := range terms {
		if i.postings[term] == nil {
			i.postings[term] = make(map[string]int)
		}
		i.postings[term][doc.ID] = freq
	}
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Search scores documents by query-term overlap. Results are strictly
// descending by score, ties broken by item ID for determinism.
func (i *Index) Search(query string, topK int, filters map[string]string) []Match {
	queryTerms := termFrequencies(query)
	if len(queryTerms) == 0 {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	type hit struct {
		matched int
		freq    int
	}
	hits := make(map[string]hit)
	for term := range queryTerms {
		for docID, freq := range i.postings[term] {
			h := hits[docID]
			h.matched++
			h.freq += freq
			hits[docID] = h
		}
	}

	topic := filters["topic"]

	matches := make([]Match, 0, len(hits))
	for docID, h := range hits {
		entry := i.docs[docID]
		if topic != "" && entry.topic != topic {
			continue
		}
		overlap := float64(h.matched) / float64(len(queryTerms))
		bonus := float64(h.freq) / float64(h.freq+10)
		matches = append(matches, Match{
			ID:      docID,
			Score:   overlap * (0.9 + 0.1*bonus),
			Snippet: entry.snippet,
		})
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].ID < matches[b].ID
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// termFrequencies tokenizes with prose, falling back to whitespace splitting
// when the tokenizer rejects the input.
func termFrequencies(text string) map[string]int {
	tokens := tokenize(text)
	terms := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		term := normalizeTerm(tok)
		if term == "" {
			continue
		}
		if _, stop := stopwords[term]; stop {
			continue
		}
		terms[term]++
	}
	return terms
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return strings.Fields(text)
	}

	tokens := doc.Tokens()
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Text)
	}
	return out
}

func normalizeTerm(token string) string {
	lowered := strings.ToLower(strings.TrimSpace(token))
	var b strings.Builder
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() < 2 {
		return ""
	}
	return b.String()
}
