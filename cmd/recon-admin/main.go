// recon-admin runs maintenance tasks against the reconciliation database.
//
// Usage (from backend directory, same DB_* env as the server):
//
//	go run ./cmd/recon-admin migrate
//	go run ./cmd/recon-admin seed -f cmd/recon-admin/seed.yaml
//	go run ./cmd/recon-admin rerun --batch 12
//	go run ./cmd/recon-admin process --batch 12 --mode INGEST
//	go run ./cmd/recon-admin outbox-replay
//	go run ./cmd/recon-admin token --user 1 --role Admin
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
