// Codeindexd indexes git repositories into a vector store and serves
// semantic code search over the result.
//
// The daemon form (codeindexd serve) runs the background job queue, the
// orphan recovery pass, and the operational HTTP endpoints. The one-shot
// forms (codeindexd index, codeindexd search) run against a local checkout
// using the same configuration.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables with the CODEINDEXD_ prefix. See internal/config for details.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
