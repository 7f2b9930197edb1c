// Command assignctl evaluates assignz configurations from the command line
// and talks to a running server over gRPC.
//
// Usage:
//
//	# Assign a flag for one subject
//	assignctl assign --flags flags.json --flag new-ui --subject user-1 --type BOOLEAN --default false
//
//	# Pick a bandit action
//	assignctl bandit --flags flags.json --models models.json --flag banner --subject user-1 --actions actions.yaml
//
//	# Print every assignment for a subject
//	assignctl precompute --flags flags.json --subject user-1 --attrs subject.yaml
//
//	# Hash an admin key secret read from stdin
//	echo -n secret | assignctl hash-key
//
//	# Follow configuration changes on a server
//	assignctl watch --grpc localhost:9090
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
