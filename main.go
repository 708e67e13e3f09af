// The main package for the catalog-crawler executable.
//
// Quick checklist:
//   - Configure env vars with the CRAWLER_ prefix (CRAWLER_DATABASE_DSN,
//     CRAWLER_PUBLISH_BASE_URL, CRAWLER_LLM_BASE_URL, ...) or pass --config.
//   - Create the tables once: catalog-crawler migrate.
//   - Run: catalog-crawler serve, then drive it over /crawler/* or the /bot websocket.
package main

import (
	"github.com/JakeFAU/catalog-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
