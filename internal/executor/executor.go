// Package executor drives a recipe run: it resolves, fetches, verifies and
// extracts each selected item on a bounded worker pool, then performs the
// batch lock rewrite once every item has settled.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/fetchctl/internal/archive"
	"github.com/danmuck/fetchctl/internal/cache"
	"github.com/danmuck/fetchctl/internal/hashio"
	"github.com/danmuck/fetchctl/internal/recipe"
	"github.com/danmuck/fetchctl/internal/resolver"
)

// State tracks an item through its run.
type State string

const (
	StatePending    State = "pending"
	StateResolving  State = "resolving"
	StateFetching   State = "fetching"
	StateVerifying  State = "verifying"
	StateExtracting State = "extracting"
	StateLocking    State = "locking"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// ItemResult is the outcome for one item.
type ItemResult struct {
	Name   string
	State  State
	Cached bool
	Digest string
	Tag    string
	Err    error
}

// Report aggregates a run. Item order follows the recipe document.
type Report struct {
	Items []ItemResult
}

// OK reports whether every selected item reached Done. Skipped items do not
// count against the run.
func (r Report) OK() bool {
	for _, it := range r.Items {
		if it.State != StateDone && it.State != StateSkipped {
			return false
		}
	}
	return true
}

// Failed returns the items that did not finish.
func (r Report) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range r.Items {
		if it.State == StateFailed {
			out = append(out, it)
		}
	}
	return out
}

// Options configures one run.
type Options struct {
	Filter  string        // substring match on item names; empty selects all
	Lock    bool          // re-resolve and write pin data back to the recipe
	Upgrade bool          // like Lock, but ignore pinned tags and chase latest
	Jobs    int           // worker pool size; <1 means serial
	Timeout time.Duration // per-item deadline; 0 means none
	SetVars []string      // key=value overrides for the [vars] table
}

type Executor struct {
	resolver *resolver.Resolver
	cache    *cache.Store
}

func New(res *resolver.Resolver, store *cache.Store) *Executor {
	return &Executor{resolver: res, cache: store}
}

// Run executes the recipe at recipePath. Items fail independently; the
// returned error covers only run-level problems (bad vars, lock write
// failure), and callers should consult Report.OK for the exit decision.
func (e *Executor) Run(ctx context.Context, rec *recipe.Recipe, recipePath string, opts Options) (Report, error) {
	vc, err := recipe.NewVarContext(rec.Vars, opts.SetVars, recipePath)
	if err != nil {
		return Report{}, err
	}

	lockRun := opts.Lock || opts.Upgrade
	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}

	var selected []int
	report := Report{Items: make([]ItemResult, len(rec.Items))}
	for i, item := range rec.Items {
		if opts.Filter != "" && !strings.Contains(item.Name, opts.Filter) {
			report.Items[i] = ItemResult{Name: item.Name, State: StateSkipped}
			log.Debug().Str("item", item.Name).Msg("item filtered out, skipping")
			continue
		}
		report.Items[i] = ItemResult{Name: item.Name, State: StatePending}
		selected = append(selected, i)
	}
	if lockRun {
		log.Info().Msgf("Processing %d items for lock file", len(selected))
	}

	var (
		mu    sync.Mutex
		locks = map[string]recipe.LockResult{}
	)
	g := &errgroup.Group{}
	g.SetLimit(jobs)
	for _, idx := range selected {
		item := rec.Items[idx]
		g.Go(func() error {
			itemCtx := ctx
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
			}
			res, lock := e.processItem(itemCtx, item, vc, lockRun, opts)
			report.Items[idx] = res
			if lock != nil {
				mu.Lock()
				locks[item.Name] = *lock
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if lockRun && len(locks) > 0 {
		if err := e.relock(recipePath, locks); err != nil {
			return report, err
		}
	}
	return report, nil
}

// RunItem processes a single ad-hoc item outside any recipe document. Used
// by the one-shot fetch commands; lock rewriting does not apply.
func (e *Executor) RunItem(ctx context.Context, item recipe.Item, opts Options) ItemResult {
	vc, err := recipe.NewVarContext(nil, opts.SetVars, "")
	if err != nil {
		return ItemResult{Name: item.Name, State: StateFailed, Err: err}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	res, _ := e.processItem(ctx, item, vc, false, opts)
	return res
}

// processItem walks one item through the state machine. A non-nil LockResult
// is returned only when the item finished cleanly on a lock run; failed items
// never contribute pin data.
func (e *Executor) processItem(ctx context.Context, item recipe.Item, vc *recipe.VarContext, lockRun bool, opts Options) (ItemResult, *recipe.LockResult) {
	result := ItemResult{Name: item.Name, State: StatePending}
	fail := func(stage State, err error) (ItemResult, *recipe.LockResult) {
		result.State = StateFailed
		result.Err = err
		log.Error().Str("item", item.Name).Str("stage", string(stage)).Err(err).Msg("item failed")
		return result, nil
	}

	// The raw tag decides whether a resolved tag gets pinned; substitution
	// happens on a copy so the recipe document stays pristine.
	explicitTag := item.GitHub != nil && item.GitHub.Tag != ""
	if item.GitHub != nil {
		gh := *item.GitHub
		item.GitHub = &gh
	}
	if item.Lock != nil {
		lk := *item.Lock
		item.Lock = &lk
	}
	if err := vc.ApplyItem(&item); err != nil {
		return fail(StatePending, err)
	}

	result.State = StateResolving
	log.Debug().Str("item", item.Name).Str("state", string(StateResolving)).Msg("state")
	resolved, err := e.resolver.Resolve(ctx, item, resolver.Options{LockRun: opts.Lock, Upgrade: opts.Upgrade})
	if err != nil {
		return fail(StateResolving, err)
	}
	result.Tag = resolved.Tag

	result.State = StateFetching
	log.Debug().Str("item", item.Name).Str("state", string(StateFetching)).Msg("state")
	expected := ""
	if !lockRun && item.Lock != nil {
		expected = item.Lock.SHA
	}
	fetched, err := e.cache.GetOrFetch(ctx, resolved.URL, expected)
	if err != nil {
		return fail(StateFetching, err)
	}
	result.Cached = fetched.Cached
	result.Digest = fetched.Digest

	if expected != "" {
		result.State = StateVerifying
		if err := hashio.Verify(fetched.Path, expected); err != nil {
			return fail(StateVerifying, err)
		}
	}

	if item.SaveAs != "" {
		if err := saveArtifact(fetched.Path, item.SaveAs, item.Executable); err != nil {
			return fail(StateFetching, err)
		}
	}

	if item.ExtractTo != "" {
		result.State = StateExtracting
		log.Debug().Str("item", item.Name).Str("state", string(StateExtracting)).Msg("state")
		count, err := archive.Extract(fetched.Path, item.ExtractTo, item.ExtractFilter)
		if err != nil {
			return fail(StateExtracting, err)
		}
		if err := archive.FlattenSingleRoot(item.ExtractTo); err != nil {
			return fail(StateExtracting, err)
		}
		log.Info().Str("item", item.Name).Int("files", count).Str("dir", item.ExtractTo).Msg("extracted")
	}

	var lock *recipe.LockResult
	if lockRun {
		result.State = StateLocking
		lr := recipe.LockResult{SHA: fetched.Digest, DownloadURL: resolved.URL}
		if item.GitHub != nil && resolved.Tag != "" && (!explicitTag || opts.Upgrade) {
			lr.ResolvedTag = resolved.Tag
		}
		lock = &lr
	}

	result.State = StateDone
	log.Info().Str("item", item.Name).Bool("cached", fetched.Cached).Msg("item done")
	return result, lock
}

// relock applies the batch rewrite and writes the document back atomically.
func (e *Executor) relock(recipePath string, locks map[string]recipe.LockResult) error {
	doc, err := os.ReadFile(recipePath)
	if err != nil {
		return fmt.Errorf("reload recipe for lock rewrite (%s): %w", recipePath, err)
	}
	updated, err := recipe.Relock(doc, locks)
	if err != nil {
		return fmt.Errorf("lock rewrite failed (%s): %w", recipePath, err)
	}
	temp := recipePath + ".tmp"
	if err := os.WriteFile(temp, updated, 0o644); err != nil {
		return fmt.Errorf("write locked recipe (%s): %w", temp, err)
	}
	if err := os.Rename(temp, recipePath); err != nil {
		os.Remove(temp)
		return fmt.Errorf("replace recipe (%s): %w", recipePath, err)
	}
	log.Info().Int("items", len(locks)).Str("recipe", recipePath).Msg("lock data written")
	return nil
}

// saveArtifact copies a cached blob to its save_as destination.
func saveArtifact(src, dest string, executable bool) error {
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create save dir (%s): %w", dir, err)
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open cached blob (%s): %w", src, err)
	}
	defer in.Close()

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create artifact (%s): %w", dest, err)
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("write artifact (%s): %w", dest, err)
	}
	log.Info().Str("file", dest).Msg("saved artifact")
	return nil
}
