package ignore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
)

// maxCachedMatchers bounds the number of compiled matchers kept in memory.
// The least recently used entry is evicted when the cache is full.
const maxCachedMatchers = 50

// cacheKey identifies one compiled matcher. Keying on the content hash as
// well as the root means an edited ignore file never serves a stale
// matcher, while unchanged files across runs share one entry.
type cacheKey struct {
	root        string
	contentHash string
}

// Cache loads ignore files from repository checkouts and caches the
// compiled matchers. It is safe for concurrent use.
type Cache struct {
	fileName string
	matchers *lru.Cache[cacheKey, *Matcher]
}

// NewCache returns a Cache that loads fileName (for example
// ".codebaseindexignore") from each repository root.
func NewCache(fileName string) (*Cache, error) {
	matchers, err := lru.New[cacheKey, *Matcher](maxCachedMatchers)
	if err != nil {
		return nil, fmt.Errorf("create matcher cache: %w", err)
	}
	return &Cache{fileName: fileName, matchers: matchers}, nil
}

// Load reads the ignore file under repoRoot through the executor and
// returns the compiled matcher. A missing or unreadable ignore file yields
// a matcher that excludes nothing.
func (c *Cache) Load(ctx context.Context, exec shellexec.Executor, repoRoot string) (*Matcher, error) {
	filePath := path.Join(repoRoot, c.fileName)
	res, err := exec.Exec(ctx, "cat "+shellexec.ShQuote(filePath))
	if err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}
	content := ""
	if res.ExitCode == 0 {
		content = res.Stdout
	}

	sum := sha1.Sum([]byte(content))
	key := cacheKey{root: repoRoot, contentHash: hex.EncodeToString(sum[:])}
	if m, ok := c.matchers.Get(key); ok {
		return m, nil
	}
	m := Parse(content)
	c.matchers.Add(key, m)
	return m, nil
}
