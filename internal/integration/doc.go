// Package integration drives the full index lifecycle against live Postgres
// and Qdrant instances: full index, ready short-circuit, incremental update,
// cross-branch seeding, reindex, and deletion. The suite is gated behind the
// integration build tag plus CODEINDEXD_TEST_DATABASE_URL; Qdrant discovery
// follows QDRANT_HOST / QDRANT_PORT.
package integration
