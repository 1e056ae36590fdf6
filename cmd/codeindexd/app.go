package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/config"
	"github.com/fyrsmithlabs/codeindexd/internal/credentials"
	"github.com/fyrsmithlabs/codeindexd/internal/embeddings"
	"github.com/fyrsmithlabs/codeindexd/internal/events"
	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/lifecycle"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
	"github.com/fyrsmithlabs/codeindexd/internal/queue"
	"github.com/fyrsmithlabs/codeindexd/internal/runtime"
	"github.com/fyrsmithlabs/codeindexd/internal/search"
	"github.com/fyrsmithlabs/codeindexd/internal/secrets"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
	"github.com/fyrsmithlabs/codeindexd/internal/tokenizer"
	"github.com/fyrsmithlabs/codeindexd/internal/vectorstore"
)

// app is the wired dependency graph shared by serve and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *store.Store
	vectors  *vectorstore.Adapter
	embedder *embeddings.Client
	indexer  *indexer.Indexer
	runtimes *runtime.Manager
	queue    *queue.Queue
	events   *events.Publisher
	manager  *lifecycle.Manager
	search   *search.Service
}

// buildApp connects to Postgres and Qdrant and wires everything up to the
// lifecycle manager. On error, partially constructed resources are released.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	fail := func(err error) (*app, error) {
		a.Close(context.Background())
		return nil, err
	}

	st, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL.Value(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration(),
	}, logger)
	if err != nil {
		return fail(err)
	}
	a.store = st

	vs, err := vectorstore.New(vectorstore.Config{
		Host:           cfg.Qdrant.Host,
		Port:           cfg.Qdrant.Port,
		UseTLS:         cfg.Qdrant.UseTLS,
		APIKey:         cfg.Qdrant.APIKey.Value(),
		RequestTimeout: cfg.Qdrant.RequestTimeout.Duration(),
	}, logger)
	if err != nil {
		return fail(err)
	}
	a.vectors = vs

	embedder, err := embeddings.NewClient(&cfg.Embeddings, logger)
	if err != nil {
		return fail(err)
	}
	a.embedder = embedder

	codec, err := tokenizer.ForModel(cfg.Embeddings.Model)
	if err != nil {
		return fail(fmt.Errorf("loading tokenizer: %w", err))
	}

	scrubber, err := secrets.New(secrets.Options{
		Enabled:       cfg.Indexer.ScrubSecrets,
		AllowlistPath: cfg.Indexer.ScrubAllowlistFile,
	})
	if err != nil {
		return fail(fmt.Errorf("building secret scrubber: %w", err))
	}

	ixOpts, err := indexer.OptionsFromConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ix, err := indexer.New(vs, embedder, codec, scrubber, ixOpts, logger)
	if err != nil {
		return fail(err)
	}
	a.indexer = ix

	a.runtimes = runtime.NewManager(runtime.Config{}, logger)

	a.queue = queue.New(st.DB(), queue.Config{
		Concurrency:          cfg.Queue.Concurrency,
		LockDuration:         cfg.Queue.LockDuration.Duration(),
		StalledCheckInterval: cfg.Queue.StalledCheckInterval.Duration(),
		MaxStalledCount:      cfg.Queue.MaxStalledCount,
		Attempts:             cfg.Queue.Attempts,
		BackoffInitial:       cfg.Queue.BackoffInitial.Duration(),
		RemoveOnComplete:     cfg.Queue.RemoveOnComplete,
		RemoveOnFail:         cfg.Queue.RemoveOnFail,
	}, logger)

	key, err := cfg.Credentials.EncryptionKeyBytes()
	if err != nil {
		return fail(fmt.Errorf("decoding credentials key: %w", err))
	}
	sealer, err := credentials.New(key)
	if err != nil {
		return fail(fmt.Errorf("building credential sealer: %w", err))
	}

	pub, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return fail(fmt.Errorf("connecting event publisher: %w", err))
	}
	a.events = pub

	mgr, err := lifecycle.New(lifecycle.Deps{
		Store:    st,
		Queue:    a.queue,
		Indexer:  ix,
		Runtimes: a.runtimes,
		Vectors:  vs,
		Sealer:   sealer,
		Events:   pub,
	}, lifecycle.Options{
		InlineThreshold: cfg.Indexer.InlineThreshold,
	}, logger)
	if err != nil {
		return fail(err)
	}
	a.manager = mgr

	a.search = search.New(vs, embedder, logger)

	return a, nil
}

// Close releases everything buildApp acquired, tolerating a partially
// constructed app.
func (a *app) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.runtimes != nil {
		if err := a.runtimes.Close(ctx); err != nil {
			a.logger.Warn(ctx, "runtime shutdown incomplete", zap.Error(err))
		}
	}
	a.events.Close()
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Warn(ctx, "vector store close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn(ctx, "store close failed", zap.Error(err))
		}
	}
}
