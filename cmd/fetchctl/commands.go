package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/danmuck/fetchctl/internal/cache"
	"github.com/danmuck/fetchctl/internal/executor"
	"github.com/danmuck/fetchctl/internal/fetch"
	"github.com/danmuck/fetchctl/internal/github"
	"github.com/danmuck/fetchctl/internal/recipe"
	"github.com/danmuck/fetchctl/internal/resolver"
)

// commonFlags are shared by every subcommand that touches the network.
type commonFlags struct {
	cacheDir   string
	timeout    time.Duration
	s3Endpoint string
	s3Region   string
}

func addCommonFlags(fs *flag.FlagSet, cf *commonFlags) {
	fs.StringVar(&cf.cacheDir, "cache-dir", defaultCacheDir(), "download cache directory")
	fs.DurationVar(&cf.timeout, "timeout", 10*time.Minute, "per-item network timeout")
	fs.StringVar(&cf.s3Endpoint, "s3-endpoint", "", "endpoint for s3:// sources (default AWS)")
	fs.StringVar(&cf.s3Region, "s3-region", "", "region for s3:// sources")
}

func newExecutor(cf commonFlags) (*executor.Executor, error) {
	fcfg := fetch.DefaultConfig()
	fcfg.Timeout = cf.timeout
	fcfg.S3Endpoint = cf.s3Endpoint
	fcfg.S3Region = cf.s3Region
	store, err := cache.Open(cf.cacheDir, fetch.New(fcfg))
	if err != nil {
		return nil, err
	}
	res := resolver.New(github.NewClient(github.DefaultConfig()))
	return executor.New(res, store), nil
}

func runRecipe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recipe", flag.ExitOnError)
	var (
		cf      commonFlags
		lock    = fs.Bool("lock", false, "re-resolve sources and write pin data back to the recipe")
		upgrade = fs.Bool("upgrade", false, "ignore pinned tags, chase latest releases, then relock")
		jobs    = fs.IntP("jobs", "j", 4, "concurrent items")
		setVars = fs.StringArray("set", nil, "override a recipe variable (key=value, repeatable)")
	)
	addCommonFlags(fs, &cf)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: fetchctl recipe <file> [filter] [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("recipe file required")
	}
	recipePath := fs.Arg(0)
	filter := fs.Arg(1)

	rec, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}
	exec, err := newExecutor(cf)
	if err != nil {
		return err
	}

	report, err := exec.Run(ctx, rec, recipePath, executor.Options{
		Filter:  filter,
		Lock:    *lock,
		Upgrade: *upgrade,
		Jobs:    *jobs,
		Timeout: cf.timeout,
		SetVars: *setVars,
	})
	if err != nil {
		return err
	}
	for _, item := range report.Items {
		switch item.State {
		case executor.StateSkipped:
			log.Debug().Str("item", item.Name).Msg("skipped")
		case executor.StateDone:
			log.Info().Str("item", item.Name).Bool("cached", item.Cached).Str("sha256", item.Digest).Msg("done")
		default:
			log.Error().Str("item", item.Name).Err(item.Err).Msg("failed")
		}
	}
	if !report.OK() {
		return fmt.Errorf("%d item(s) failed", len(report.Failed()))
	}
	return nil
}

func runGitHub(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("github", flag.ExitOnError)
	var (
		cf      commonFlags
		pattern = fs.String("asset", "", "asset name glob; default picks the best match for this platform")
		tag     = fs.String("tag", "", "release tag; default latest")
		saveAs  = fs.String("save-as", "", "write the asset to this path")
		unzipTo = fs.String("unzip-to", "", "extract the asset into this directory")
		files   = fs.String("files", "", "extraction filter glob")
	)
	addCommonFlags(fs, &cf)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: fetchctl github <owner/repo> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one owner/repo argument required")
	}
	repo := fs.Arg(0)

	client := github.NewClient(github.DefaultConfig())
	rel, err := client.Release(ctx, repo, *tag)
	if err != nil {
		return err
	}
	var asset github.Asset
	if *pattern != "" {
		asset, err = github.SelectAsset(rel, *pattern)
		if err != nil {
			return err
		}
	} else {
		var ok bool
		asset, ok = github.DetectAsset(rel.Assets)
		if !ok {
			return fmt.Errorf("no asset in release %s looks usable on this platform; use --asset", rel.TagName)
		}
		log.Info().Str("asset", asset.Name).Str("tag", rel.TagName).Msg("auto-selected release asset")
	}

	item := recipe.Item{
		Name:          repo,
		URL:           asset.BrowserDownloadURL,
		SaveAs:        *saveAs,
		ExtractTo:     *unzipTo,
		ExtractFilter: *files,
	}
	if item.SaveAs == "" && item.ExtractTo == "" {
		item.SaveAs = asset.Name
	}
	return runOne(ctx, cf, item)
}

func runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	var (
		cf      commonFlags
		saveAs  = fs.String("save-as", "", "write the download to this path")
		unzipTo = fs.String("unzip-to", "", "extract the download into this directory")
		files   = fs.String("files", "", "extraction filter glob")
	)
	addCommonFlags(fs, &cf)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: fetchctl fetch <url> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one url argument required")
	}
	url := fs.Arg(0)

	item := recipe.Item{
		Name:          url,
		URL:           url,
		SaveAs:        *saveAs,
		ExtractTo:     *unzipTo,
		ExtractFilter: *files,
	}
	if item.SaveAs == "" && item.ExtractTo == "" {
		name := path.Base(strings.Split(url, "?")[0])
		if name == "" || name == "." || name == "/" {
			name = "download"
		}
		item.SaveAs = name
	}
	return runOne(ctx, cf, item)
}

func runOne(ctx context.Context, cf commonFlags, item recipe.Item) error {
	exec, err := newExecutor(cf)
	if err != nil {
		return err
	}
	res := exec.RunItem(ctx, item, executor.Options{Timeout: cf.timeout})
	if res.State != executor.StateDone {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("item %s did not complete", item.Name)
	}
	log.Info().Str("sha256", res.Digest).Bool("cached", res.Cached).Msg("done")
	return nil
}
