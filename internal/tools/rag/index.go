// Package rag provides the local knowledge-base tools backed by an in-memory bleve index.
package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search/query"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

// Document is one indexed chunk.
type Document struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Hit is a scored search result.
type Hit struct {
	Document
	Score float64
}

// Index is a local knowledge base.
type Index struct {
	idx bleve.Index

	mu   sync.RWMutex
	docs map[string]Document
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create knowledge index: %w", err)
	}
	return &Index{idx: idx, docs: make(map[string]Document)}, nil
}

// Close releases the index.
func (i *Index) Close() error { return i.idx.Close() }

// Add indexes a document, replacing any previous one with the same ID.
func (i *Index) Add(doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return errors.New("document id is empty")
	}
	if err := i.idx.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("index %s: %w", doc.ID, err)
	}
	i.mu.Lock()
	i.docs[doc.ID] = doc
	i.mu.Unlock()
	return nil
}

// Len returns the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// LoadDir indexes every .md and .txt file under dir, split into paragraph chunks of
// at most chunkChars characters.
func (i *Index) LoadDir(dir string, chunkChars int) (int, error) {
	if chunkChars <= 0 {
		chunkChars = 1200
	}
	n := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		title := strings.TrimSuffix(filepath.Base(path), ext)
		for c, chunk := range Chunk(string(data), chunkChars) {
			doc := Document{
				ID:     fmt.Sprintf("%s#%d", rel, c),
				Title:  title,
				Source: rel,
				Text:   chunk,
			}
			if err := i.Add(doc); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("load knowledge dir: %w", err)
	}
	return n, nil
}

// Chunk splits text on blank lines and packs paragraphs up to size characters.
func Chunk(text string, size int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

// Search runs q and returns at most k hits.
func (i *Index) Search(ctx context.Context, q query.Query, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		doc, ok := i.docs[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Document: doc, Score: h.Score})
	}
	return hits, nil
}

func render(hits []Hit) string {
	var b strings.Builder
	for n, h := range hits {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", n+1, h.Title, h.Source, h.Text)
	}
	return strings.TrimSpace(b.String())
}

// Naive is the rag_naive tool: a plain match query over the chunk text.
type Naive struct {
	Index *Index
	K     int
}

// Name implements tools.Tool.
func (Naive) Name() string { return tools.TypeRAGNaive }

// Call implements tools.Tool.
func (t Naive) Call(ctx context.Context, q string) (string, error) {
	if strings.TrimSpace(q) == "" {
		return "", tools.ErrInvalidQuery
	}
	mq := bleve.NewMatchQuery(q)
	mq.SetField("text")
	hits, err := t.Index.Search(ctx, mq, t.K)
	if err != nil {
		return "", fmt.Errorf("rag_naive search: %w", err)
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("no local documents match %q", q)
	}
	return render(hits), nil
}

// Hybrid is the rag_hybrid tool: query-string syntax plus a boosted title phrase
// match. Malformed query-string input fails and lets the caller fall back to Naive.
type Hybrid struct {
	Index *Index
	K     int
}

// Name implements tools.Tool.
func (Hybrid) Name() string { return tools.TypeRAGHybrid }

// Call implements tools.Tool.
func (t Hybrid) Call(ctx context.Context, q string) (string, error) {
	if strings.TrimSpace(q) == "" {
		return "", tools.ErrInvalidQuery
	}
	qs := bleve.NewQueryStringQuery(q)
	title := bleve.NewMatchPhraseQuery(q)
	title.SetField("title")
	title.SetBoost(2)
	hits, err := t.Index.Search(ctx, bleve.NewDisjunctionQuery(qs, title), t.K)
	if err != nil {
		return "", fmt.Errorf("rag_hybrid search: %w", err)
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("no local documents match %q", q)
	}
	return render(hits), nil
}
