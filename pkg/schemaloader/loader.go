// Package schemaloader fetches the SDL of every subgraph and keeps the parsed documents.
package schemaloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astparser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultCacheSize = 10 << 20

var ErrEmptySDL = errors.New("subgraph returned an empty schema")

// Fetcher returns the SDL of a subgraph.
type Fetcher interface {
	FetchSchema(ctx context.Context, subgraph string) (string, error)
}

type Schema struct {
	Subgraph string
	SDL      string
	Hash     uint64
	Document *ast.Document
	// Changed is true if the SDL differs from the previous load, or this is the first load
	Changed bool
}

type Options struct {
	Logger    *zap.Logger
	Fetcher   Fetcher
	Subgraphs []string
	// CacheSize is the budget in SDL bytes for parsed documents, DefaultCacheSize if zero
	CacheSize int64
}

type Loader struct {
	logger    *zap.Logger
	fetcher   Fetcher
	subgraphs []string
	documents *ristretto.Cache[uint64, *ast.Document]

	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewLoader(opts Options) (*Loader, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("schema fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	documents, err := ristretto.NewCache(&ristretto.Config[uint64, *ast.Document]{
		// the cost of an entry is the length of its SDL
		MaxCost:     opts.CacheSize,
		NumCounters: 10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}

	return &Loader{
		logger:    opts.Logger,
		fetcher:   opts.Fetcher,
		subgraphs: append([]string(nil), opts.Subgraphs...),
		documents: documents,
		schemas:   make(map[string]*Schema, len(opts.Subgraphs)),
	}, nil
}

// Load fetches and parses the schema of every subgraph concurrently. The
// returned schemas follow the order of the configured subgraphs. Subgraphs
// that fail keep their previous schema and are reported in the joined error.
func (l *Loader) Load(ctx context.Context) ([]*Schema, error) {
	results := make([]*Schema, len(l.subgraphs))
	errs := make([]error, len(l.subgraphs))

	var g errgroup.Group
	for i, name := range l.subgraphs {
		g.Go(func() error {
			results[i], errs[i] = l.load(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	loaded := make([]*Schema, 0, len(results))
	for _, s := range results {
		if s != nil {
			loaded = append(loaded, s)
		}
	}

	return loaded, errors.Join(errs...)
}

func (l *Loader) load(ctx context.Context, name string) (*Schema, error) {
	sdl, err := l.fetcher.FetchSchema(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema of subgraph %s: %w", name, err)
	}
	if sdl == "" {
		return nil, fmt.Errorf("failed to load schema of subgraph %s: %w", name, ErrEmptySDL)
	}

	hash := xxhash.Sum64String(sdl)

	doc, ok := l.documents.Get(hash)
	if !ok {
		parsed, report := astparser.ParseGraphqlDocumentString(sdl)
		if report.HasErrors() {
			return nil, fmt.Errorf("failed to parse schema of subgraph %s: %s", name, report.Error())
		}
		doc = &parsed
		l.documents.Set(hash, doc, int64(len(sdl)))
	}

	l.mu.Lock()
	previous, seen := l.schemas[name]
	schema := &Schema{
		Subgraph: name,
		SDL:      sdl,
		Hash:     hash,
		Document: doc,
		Changed:  !seen || previous.Hash != hash,
	}
	l.schemas[name] = schema
	l.mu.Unlock()

	if schema.Changed {
		l.logger.Info("Subgraph schema loaded",
			zap.String("subgraph_name", name),
			zap.Uint64("schema_hash", hash),
			zap.Int("root_nodes", len(doc.RootNodes)),
		)
	}

	return schema, nil
}

// Schema returns the last schema loaded for subgraph.
func (l *Loader) Schema(subgraph string) (*Schema, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.schemas[subgraph]
	return s, ok
}

func (l *Loader) Close() {
	l.documents.Close()
}
