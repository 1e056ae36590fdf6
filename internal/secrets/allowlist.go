package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex indicates an allowlist pattern does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist holds patterns excluded from secret detection.
type Allowlist struct {
	Paths     []string
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads an allowlist TOML file of the form
//
//	[allowlist]
//	paths = ["testdata/.*"]
//	regexes = ["EXAMPLEKEY[0-9]+"]
//	stopwords = ["changeme"]
//
// A missing file or empty path returns (nil, nil). Invalid TOML or
// patterns fail fast.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat allowlist: %w", err)
	}

	var parsed struct {
		Allowlist struct {
			Paths     []string `toml:"paths"`
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range parsed.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	for _, pattern := range parsed.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:     parsed.Allowlist.Paths,
		Regexes:   parsed.Allowlist.Regexes,
		StopWords: parsed.Allowlist.StopWords,
	}, nil
}

// applyAllowlist merges user patterns into the gitleaks config as one
// additional global allowlist. Patterns were validated in LoadAllowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "codeindexd allowlist",
	}
	for _, pattern := range allowlist.Paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, allowlist.StopWords...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}
