package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/search"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/store"
)

var (
	searchPath    string
	searchBranch  string
	searchRepoURL string
	searchRepoID  string
	searchTopK    int
	searchDir     string
	searchLang    string
	searchJSON    bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search an indexed repository",
	Long: `Run a natural-language query against the index for a checkout.

The checkout's branch and origin remote identify which index to query;
results are chunks of code ranked by semantic similarity.

Examples:
  # Search the current checkout
  codeindexd search "where are retries implemented"

  # Restrict to a directory and language
  codeindexd search --dir internal/queue --lang go "stalled job recovery"

  # Machine-readable output
  codeindexd search --json "token estimation" | jq .`,
	Args: cobra.ExactArgs(1),
	RunE: runSearchCmd,
}

func init() {
	searchCmd.Flags().StringVar(&searchPath, "path", ".", "checkout to search")
	searchCmd.Flags().StringVar(&searchBranch, "branch", "", "branch to search (default: checked-out branch)")
	searchCmd.Flags().StringVar(&searchRepoURL, "repo-url", "", "canonical repository URL (default: origin remote)")
	searchCmd.Flags().StringVar(&searchRepoID, "repository-id", "", "repository identity (default: derived from the URL)")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 10, "maximum results")
	searchCmd.Flags().StringVar(&searchDir, "dir", "", "only return chunks under this directory")
	searchCmd.Flags().StringVar(&searchLang, "lang", "", "only return chunks in this language")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "emit results as JSON")
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	query := args[0]

	absRoot, err := filepath.Abs(searchPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	exec := shellexec.NewLocal(absRoot)

	branch := searchBranch
	if branch == "" {
		branch, err = gitcli.CurrentBranch(ctx, exec, absRoot)
		if err != nil {
			return fmt.Errorf("resolving current branch: %w", err)
		}
	}

	repoURL := searchRepoURL
	if repoURL == "" {
		repoURL = gitcli.OriginURL(ctx, exec, absRoot)
	}
	if repoURL == "" {
		return errors.New("repository URL unknown: pass --repo-url or add an origin remote")
	}

	repositoryID := searchRepoID
	if repositoryID == "" {
		repositoryID = indexer.DeriveRepoID(repoURL)
	}

	row, err := a.store.GetRepoIndex(ctx, repositoryID, branch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no index for %s @ %s: run 'codeindexd index' first", repoURL, branch)
		}
		return err
	}
	if row.Status != store.StatusCompleted {
		fmt.Fprintf(os.Stderr, "warning: index status is %s; results may be incomplete\n", row.Status)
	}

	results, err := a.search.Search(ctx, search.Params{
		Collection:      row.Collection,
		Query:           query,
		RepoID:          indexer.DeriveRepoID(row.RepoURL),
		TopK:            searchTopK,
		DirectoryFilter: searchDir,
		LanguageFilter:  searchLang,
	})
	if err != nil {
		return err
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%d. %s:%d-%d (score %.3f)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Score)
		fmt.Println(r.Text)
		fmt.Println()
	}
	return nil
}
