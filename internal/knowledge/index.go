// Package knowledge indexes local knowledge packs with bleve and answers
// summary lookups for the knowledge retrieval action.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	blevequery "github.com/blevesearch/bleve/search/query"
	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

const chunkSize = 1200

// Pack describes one searchable knowledge pack.
type Pack struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Chunk is one indexed slice of a pack document.
type Chunk struct {
	Pack   string `json:"pack"`
	Title  string `json:"title"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Index is a bleve-backed core.KnowledgeSearcher.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	chunks map[string]Chunk
	packs  map[string]Pack
	topK   int
	logger *log.Logger
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	dm := bleve.NewDocumentMapping()
	packField := bleve.NewTextFieldMapping()
	packField.Analyzer = keyword.Name
	dm.AddFieldMappingsAt("pack", packField)
	im.DefaultMapping = dm
	return im
}

// NewIndex opens the index at path, creating it when missing. An empty path
// keeps the index in memory.
func NewIndex(path string, topK int) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(newMapping())
	default:
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, newMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}
	if topK <= 0 {
		topK = 5
	}
	return &Index{
		index:  idx,
		chunks: make(map[string]Chunk),
		packs:  make(map[string]Pack),
		topK:   topK,
		logger: log.New(log.Writer(), "[KNOWLEDGE] ", log.LstdFlags),
	}, nil
}

// Load builds an index from configuration, reading every pack directory.
func Load(cfg config.KnowledgeConfig) (*Index, error) {
	idx, err := NewIndex(cfg.IndexPath, cfg.TopK)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Packs {
		pack := Pack{ID: p.ID, Name: p.Name, Description: p.Description}
		if pack.Name == "" {
			pack.Name = p.ID
		}
		n, err := idx.AddDir(pack, p.Dir)
		if err != nil {
			idx.Close()
			return nil, err
		}
		idx.logger.Printf("pack %s: indexed %d chunks from %s", p.ID, n, p.Dir)
	}
	return idx, nil
}

// Close releases the underlying index.
func (x *Index) Close() error { return x.index.Close() }

// Packs lists the registered packs ordered by id.
func (x *Index) Packs() []Pack {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Pack, 0, len(x.packs))
	for _, p := range x.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pack returns a registered pack by id.
func (x *Index) Pack(id string) (Pack, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.packs[id]
	return p, ok
}

// AddDocument splits text into chunks and indexes them under pack.
func (x *Index) AddDocument(pack Pack, title, source, text string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.packs[pack.ID] = pack
	n := 0
	for i, part := range splitChunks(text, chunkSize) {
		c := Chunk{Pack: pack.ID, Title: title, Source: source, Text: part}
		id := fmt.Sprintf("%s:%s:%d", pack.ID, source, i)
		if err := x.index.Index(id, c); err != nil {
			return n, fmt.Errorf("index %s: %w", id, err)
		}
		x.chunks[id] = c
		n++
	}
	return n, nil
}

// AddDir indexes every .md and .txt file below dir.
func (x *Index) AddDir(pack Pack, dir string) (int, error) {
	if dir == "" {
		x.mu.Lock()
		x.packs[pack.ID] = pack
		x.mu.Unlock()
		return 0, nil
	}
	total := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
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
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		n, err := x.AddDocument(pack, title, rel, string(raw))
		total += n
		return err
	})
	if err != nil {
		return total, fmt.Errorf("index pack %s: %w", pack.ID, err)
	}
	return total, nil
}

// GetSummary implements core.KnowledgeSearcher. An empty id list searches all packs.
func (x *Index) GetSummary(ctx context.Context, query string, knowledgeIDs []string) (core.KnowledgeSummary, error) {
	if err := ctx.Err(); err != nil {
		return core.KnowledgeSummary{}, err
	}
	if strings.TrimSpace(query) == "" {
		return core.KnowledgeSummary{}, nil
	}
	text := bleve.NewMatchQuery(query)
	text.SetField("text")
	var q blevequery.Query = text
	if len(knowledgeIDs) > 0 {
		packs := make([]blevequery.Query, 0, len(knowledgeIDs))
		for _, id := range knowledgeIDs {
			tq := bleve.NewTermQuery(id)
			tq.SetField("pack")
			packs = append(packs, tq)
		}
		q = bleve.NewConjunctionQuery(text, bleve.NewDisjunctionQuery(packs...))
	}
	req := bleve.NewSearchRequestOptions(q, x.topK, 0, false)

	x.mu.RLock()
	defer x.mu.RUnlock()
	res, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return core.KnowledgeSummary{}, fmt.Errorf("knowledge search: %w", err)
	}
	var (
		parts   []string
		sources []string
		seen    = map[string]bool{}
	)
	for _, hit := range res.Hits {
		c, ok := x.chunks[hit.ID]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] %s\n%s", c.Pack, c.Title, c.Text))
		src := c.Pack + "/" + c.Source
		if !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	return core.KnowledgeSummary{SummaryContent: strings.Join(parts, "\n\n"), Sources: sources}, nil
}

// splitChunks cuts text on paragraph boundaries into pieces of at most size bytes.
func splitChunks(text string, size int) []string {
	paras := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
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
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p)+2 > size {
			flush()
		}
		for len(p) > size {
			cur.WriteString(p[:size])
			flush()
			p = p[size:]
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return out
}
