// Package secrets redacts credentials from chunk text before it is
// embedded or stored. Detection uses the gitleaks default ruleset plus an
// optional per-repo allowlist; matches are replaced with
// [REDACTED:rule-id] markers so the surrounding code keeps its shape.
package secrets
