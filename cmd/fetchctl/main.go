// fetchctl retrieves artifacts declared in a TOML recipe: direct URLs or
// GitHub release assets, cached by content, verified against pinned SHA-256
// digests, optionally extracted, optionally locked for reproducible runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fetchctl/internal/logging"
)

const usageText = `fetchctl - declarative artifact fetcher

Usage:
  fetchctl recipe <file> [filter] [flags]   run a recipe, optionally locking it
  fetchctl github <owner/repo> [flags]      fetch a release asset one-shot
  fetchctl fetch <url> [flags]              fetch a direct url one-shot
  fetchctl help

Run 'fetchctl <command> --help' for command flags.
`

func main() {
	logging.ConfigureRuntime()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "recipe":
		err = runRecipe(ctx, os.Args[2:])
	case "github":
		err = runGitHub(ctx, os.Args[2:])
	case "fetch":
		err = runFetch(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("fetchctl failed")
		os.Exit(1)
	}
}

func defaultCacheDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "fetchctl")
	}
	return ".fetchctl-cache"
}
