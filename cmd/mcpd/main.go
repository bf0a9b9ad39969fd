// Command mcpd is the MCP daemon entrypoint: it loads configuration and
// the server catalog, then hands off to the Supervisor for the rest of
// the process lifetime.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/daemon"
	"github.com/mcpd-project/mcpd/internal/daemonconfig"
	"github.com/mcpd-project/mcpd/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to mcpd.toml (defaults applied if absent)")
		catalogPath = flag.String("catalog", "", "path to a YAML server catalog")
		logDir      = flag.String("log-dir", "", "directory for persistent logs (in-memory only if empty)")
		foreground  = flag.Bool("foreground", false, "stay attached to the terminal instead of detaching")
	)
	flag.Parse()

	cfg, err := daemonconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: %v\n", err)
		return daemon.ExitBindError
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *foreground {
		cfg.Foreground = true
	}

	if err := logger.Init(cfg.LogDir, logger.INFO); err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		cat, err = catalog.LoadYAML(cfg.CatalogPath)
		if err != nil {
			logger.Errorf("mcpd: failed to load catalog %s: %v", cfg.CatalogPath, err)
			return daemon.ExitInitFailure
		}
	} else {
		cat = &catalog.Catalog{Entries: map[string]catalog.ServerSpec{}}
	}

	if results := catalog.ValidateCatalog(cat); hasInvalid(results) {
		for name, res := range results {
			if !res.Valid {
				for _, e := range res.Errors {
					logger.Errorf("mcpd: catalog entry %q: %s", name, e.Message)
				}
			}
		}
		return daemon.ExitInitFailure
	}

	sv := daemon.NewSupervisor(cfg, cat)
	return sv.Run(context.Background())
}

func hasInvalid(results map[string]*catalog.ValidationResult) bool {
	for _, r := range results {
		if !r.Valid {
			return true
		}
	}
	return false
}
