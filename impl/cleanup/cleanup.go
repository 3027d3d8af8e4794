package cleanup

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/config"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/executor"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/filter"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/globals"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/graph"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/packages"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/registry"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/validate"
)

// Runner resolves the target packages and cleans them one at a time.
// Packages are never processed concurrently: reloads after untag operations
// would race with deletions otherwise, and sequential runs keep rate-limit
// accounting simple.
type Runner struct {
	cfg  config.Configuration
	pkgs *packages.Client
}

// NewRunner builds a runner for the passed, already validated,
// configuration.
func NewRunner(cfg config.Configuration) *Runner {
	return &Runner{cfg: cfg}
}

// Run resolves the packages and processes each in turn. It fails when no
// package resolves or when any package's cleanup hits a non-recoverable
// error.
func (r *Runner) Run(ctx context.Context) error {
	pkgs, err := packages.NewClient(ctx, r.cfg.APIURL, r.cfg.Token, r.cfg.Owner, r.cfg.DryRun)
	if err != nil {
		return err
	}
	r.pkgs = pkgs

	targets, err := r.resolvePackages(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no packages matched %q for owner %s", r.cfg.Packages, r.cfg.Owner)
	}
	total := executor.Stats{}
	for _, pkg := range targets {
		stats, err := r.cleanupPackage(ctx, pkg)
		if err != nil {
			return fmt.Errorf("cleaning up %s: %w", pkg, err)
		}
		total.Deleted += stats.Deleted
		total.MultiArch += stats.MultiArch
		total.ReclaimedBytes += stats.ReclaimedBytes
	}
	globals.Phase("cleanup statistics")
	if r.cfg.DryRun {
		log.Infof("dry run - nothing was actually deleted")
	}
	log.Infof("deleted %d package version(s), %d multi-architecture image(s), reclaiming about %s",
		total.Deleted, total.MultiArch, humanize.Bytes(total.ReclaimedBytes))
	return nil
}

// resolvePackages expands the configured package names. Literal names pass
// through; with expand-packages enabled the owner's packages are listed and
// matched against the patterns.
func (r *Runner) resolvePackages(ctx context.Context) ([]string, error) {
	names := r.cfg.PackageList()
	if !r.cfg.ExpandPackages {
		return names, nil
	}
	available, err := r.pkgs.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	var targets []string
	seen := make(map[string]bool)
	for _, pattern := range names {
		matched, err := matchPackages(available, pattern, r.cfg.UseRegex)
		if err != nil {
			return nil, err
		}
		for _, name := range matched {
			if !seen[name] {
				seen[name] = true
				targets = append(targets, name)
			}
		}
	}
	log.Infof("expanded %q to %d package(s)", r.cfg.Packages, len(targets))
	return targets, nil
}

func matchPackages(available []string, pattern string, useRegex bool) ([]string, error) {
	var expr *regexp.Regexp
	if useRegex {
		var err error
		if expr, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid package pattern %q: %w", pattern, err)
		}
	}
	var matched []string
	for _, name := range available {
		if expr != nil {
			if expr.MatchString(name) {
				matched = append(matched, name)
			}
			continue
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// cleanupPackage runs the load / graph / policy / execute / validate
// sequence for one package.
func (r *Runner) cleanupPackage(ctx context.Context, pkg string) (executor.Stats, error) {
	log.Infof("cleaning up package %s/%s", r.cfg.Owner, pkg)

	reg := registry.NewClient(r.cfg.RegistryURL, r.cfg.Owner, registryPath(pkg), r.cfg.Token)
	idx := packages.NewIndex(r.pkgs, pkg)
	if err := idx.Load(ctx); err != nil {
		return executor.Stats{}, err
	}
	reg.SetResolver(idx)

	builder := graph.NewBuilder(reg, idx)
	exec := executor.NewExecutor(reg, r.pkgs, idx)
	pipeline := filter.NewPipeline(r.cfg, idx, builder, reg, exec)

	result, err := pipeline.Run(ctx)
	if err != nil {
		return executor.Stats{}, err
	}
	exec.SetPlan(result.Graph, result.ExcludedTags)
	if err := exec.Execute(ctx, result.DeleteOrder); err != nil {
		return exec.Stats(), err
	}

	if r.cfg.Validate && !r.cfg.DryRun {
		if err := idx.Reload(ctx); err != nil {
			return exec.Stats(), err
		}
		if _, err := validate.NewValidator(reg, idx).Scan(ctx); err != nil {
			return exec.Stats(), err
		}
	}
	return exec.Stats(), nil
}

// registryPath escapes a package name for use in a distribution API path.
// GHCR package names may contain slashes, which stay literal path segments.
func registryPath(pkg string) string {
	segments := strings.Split(pkg, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
