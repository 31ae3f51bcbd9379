package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
)

const (
	// TokenAnalyzerName splits the pre-tokenized text on whitespace.
	TokenAnalyzerName = "searchstore_tokens"

	bleveDirName = "text.bleve"
	fieldExact   = "exact"
	fieldPrefix  = "prefix"
)

// bleveDocument is what bleve stores per document row.
type bleveDocument struct {
	Exact  string `json:"exact"`
	Prefix string `json:"prefix"`
}

// bleveIndex keeps tokens in a bleve index keyed by the decimal row id.
type bleveIndex struct {
	index bleve.Index
	path  string
}

func newBleveIndex(dir string) (*bleveIndex, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	if dir == "" {
		idx, err := bleve.NewMemOnly(indexMapping)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory text index: %w", err)
		}
		return &bleveIndex{index: idx}, nil
	}

	path := filepath.Join(dir, bleveDirName)
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, indexMapping)
	} else if err != nil {
		// The text index is derived data; the documents table is the
		// source of truth and Backend.rebuildText refills it.
		slog.Warn("text_index_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, fmt.Errorf("text index unusable at %s and cannot remove: %w (original error: %v)", path, removeErr, err)
		}
		idx, err = bleve.New(path, indexMapping)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open text index: %w", err)
	}
	return &bleveIndex{index: idx, path: path}, nil
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(TokenAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     whitespace.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	field := bleve.NewTextFieldMapping()
	field.Analyzer = TokenAnalyzerName
	field.Store = false
	field.IncludeTermVectors = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(fieldExact, field)
	docMapping.AddFieldMappingsAt(fieldPrefix, field)

	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = TokenAnalyzerName
	return indexMapping, nil
}

func (b *bleveIndex) add(_ context.Context, _ execer, id int64, text index.IndexedText) error {
	if len(text.Exact) == 0 && len(text.Prefix) == 0 {
		return nil
	}
	doc := bleveDocument{
		Exact:  strings.Join(text.Exact, " "),
		Prefix: strings.Join(text.Prefix, " "),
	}
	if err := b.index.Index(strconv.FormatInt(id, 10), doc); err != nil {
		return fmt.Errorf("failed to index terms of row %d: %w", id, err)
	}
	return nil
}

func (b *bleveIndex) remove(_ context.Context, _ execer, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(strconv.FormatInt(id, 10))
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete terms: %w", err)
	}
	return nil
}

func (b *bleveIndex) constrain(ctx context.Context, terms []string, match model.TermMatch) (string, []any, error) {
	conjuncts := make([]query.Query, 0, len(terms))
	for _, t := range terms {
		exact := bleve.NewTermQuery(t)
		exact.SetField(fieldExact)
		prefixed := bleve.NewTermQuery(t)
		prefixed.SetField(fieldPrefix)
		disjuncts := []query.Query{exact, prefixed}
		if match == model.TermMatchPrefix {
			pq := bleve.NewPrefixQuery(t)
			pq.SetField(fieldPrefix)
			disjuncts = append(disjuncts, pq)
		}
		conjuncts = append(conjuncts, bleve.NewDisjunctionQuery(disjuncts...))
	}

	total, err := b.index.DocCount()
	if err != nil {
		return "", nil, fmt.Errorf("failed to count text index: %w", err)
	}
	if total == 0 {
		return "0", nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(conjuncts...), int(total), 0, false)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("text search failed: %w", err)
	}
	if len(res.Hits) == 0 {
		return "0", nil, nil
	}

	ids := make([]int64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	in, args := inClause(ids)
	return "id IN (" + in + ")", args, nil
}

// optimize is a no-op: bleve merges segments on its own.
func (b *bleveIndex) optimize(context.Context, execer) error { return nil }

func (b *bleveIndex) reset(ctx context.Context, _ execer) error {
	hits, err := b.allHits(ctx)
	if err != nil || len(hits) == 0 {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range hits {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

func (b *bleveIndex) ids(ctx context.Context) (map[int64]struct{}, error) {
	hits, err := b.allHits(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(hits))
	for _, hit := range hits {
		id, err := strconv.ParseInt(hit, 10, 64)
		if err != nil {
			// Not a row id; nothing to compare it against.
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// allHits returns the ids of every indexed bleve document.
func (b *bleveIndex) allHits(ctx context.Context) ([]string, error) {
	total, err := b.index.DocCount()
	if err != nil || total == 0 {
		return nil, err
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(total), 0, false)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list text index: %w", err)
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, hit.ID)
	}
	return out, nil
}

func (b *bleveIndex) close() error {
	return b.index.Close()
}
