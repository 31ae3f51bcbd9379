package index

import (
	"strings"
	"unicode"

	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/schema"
)

// IndexedText holds the tokens a document contributes to the term index.
// Prefix tokens also match query terms that are a prefix of them.
type IndexedText struct {
	Exact  []string
	Prefix []string
}

// All returns every token.
func (t IndexedText) All() []string {
	out := make([]string, 0, len(t.Exact)+len(t.Prefix))
	out = append(out, t.Exact...)
	return append(out, t.Prefix...)
}

// ExtractText tokenizes the indexed STRING properties of doc and of its
// nested documents, using the property configs in types.
func ExtractText(types schema.Types, doc *model.Document) IndexedText {
	var out IndexedText
	extract(types, doc, &out)
	out.Exact = dedupe(out.Exact)
	out.Prefix = dedupe(out.Prefix)
	return out
}

func extract(types schema.Types, doc *model.Document, out *IndexedText) {
	t, ok := types[doc.SchemaType]
	if !ok {
		return
	}
	for _, p := range doc.Properties {
		cfg, ok := t.Property(p.Name)
		if !ok {
			continue
		}
		switch vals := p.Value.(type) {
		case model.StringValues:
			for _, s := range vals {
				switch cfg.Indexing {
				case model.IndexingExact:
					out.Exact = append(out.Exact, Tokenize(s)...)
				case model.IndexingPrefix:
					out.Prefix = append(out.Prefix, Tokenize(s)...)
				}
			}
		case model.DocumentValues:
			for _, child := range vals {
				extract(types, child, out)
			}
		}
	}
}

// Tokenize lowercases s and splits it on anything that is not a letter or
// a digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// QueryTerms returns the distinct terms of a query expression. Terms are
// ANDed; an empty expression matches every document.
func QueryTerms(query string) []string {
	return dedupe(Tokenize(query))
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
