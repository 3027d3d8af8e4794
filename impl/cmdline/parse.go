package cmdline

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/config"
)

// fromCmdline will be populated with flags indicating which configuration
// settings were specified on the command line.
var fromCmdline config.FromCmdLine

// cfg has the parsed configuration - including defaults for options the
// user did not override
var cfg = config.Configuration{}

// deleteUntagged needs a side variable: the configuration records it as a
// pointer so "not configured" stays distinguishable from false.
var deleteUntagged bool

// newCmds builds the command for the command line parser urfave/cli. A
// fresh command per parse keeps repeated parses independent.
func newCmds() *cli.Command {
	return &cli.Command{
		Name:  "ghcr-cleanup",
		Usage: "deletes container package versions from the GitHub container registry by policy",
		// define this or the parser terminates the program
		ExitErrHandler: func(_ context.Context, _ *cli.Command, _ error) {},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fromCmdline.Command = "cleanup"
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "token",
				Usage:       "GitHub token with package read/delete scope",
				Sources:     cli.EnvVars("GITHUB_TOKEN"),
				Destination: &cfg.Token,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.Token = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "owner",
				Usage:       "The repository owner (user or organization)",
				Destination: &cfg.Owner,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.Owner = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "package",
				Usage:       "Package name(s) to clean up, comma separated; patterns with --expand-packages",
				Destination: &cfg.Packages,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.Packages = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "expand-packages",
				Usage:       "Expand wildcard or regex package patterns (requires a classic PAT)",
				Destination: &cfg.ExpandPackages,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.ExpandPackages = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "delete-tags",
				Usage:       "Tags to delete, comma separated wildcards (or one regex with --use-regex)",
				Destination: &cfg.DeleteTags,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.DeleteTags = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "exclude-tags",
				Usage:       "Tags that are never deleted, same syntax as --delete-tags",
				Destination: &cfg.ExcludeTags,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.ExcludeTags = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "use-regex",
				Usage:       "Treat tag and package patterns as regular expressions",
				Destination: &cfg.UseRegex,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.UseRegex = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "delete-untagged",
				Usage:       "Delete versions that carry no tag (the default when nothing else is configured)",
				Destination: &deleteUntagged,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.DeleteUntagged = true
					cfg.DeleteUntagged = &deleteUntagged
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "delete-ghost-images",
				Usage:       "Delete multi-arch images all of whose children are missing",
				Destination: &cfg.DeleteGhostImages,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.DeleteGhostImages = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "delete-partial-images",
				Usage:       "Delete multi-arch images some of whose children are missing (subsumes ghosts)",
				Destination: &cfg.DeletePartialImages,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.DeletePartialImages = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "delete-orphaned-images",
				Usage:       "Delete referrer images whose subject version no longer exists",
				Destination: &cfg.DeleteOrphanedImages,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.DeleteOrphanedImages = true
					return nil
				},
			},
			&cli.IntFlag{
				Name:        "keep-n-tagged",
				Value:       -1,
				Usage:       "Keep the N most recent tagged versions, delete the rest (0 keeps none)",
				Destination: &cfg.KeepNtagged,
				Validator: func(n int64) error {
					if n < -1 {
						return fmt.Errorf("must not be negative")
					}
					return nil
				},
				Action: func(ctx context.Context, cmd *cli.Command, _ int64) error {
					fromCmdline.KeepNtagged = true
					return nil
				},
			},
			&cli.IntFlag{
				Name:        "keep-n-untagged",
				Value:       -1,
				Usage:       "Keep the N most recent untagged versions, delete the rest (0 keeps none)",
				Destination: &cfg.KeepNuntagged,
				Validator: func(n int64) error {
					if n < -1 {
						return fmt.Errorf("must not be negative")
					}
					return nil
				},
				Action: func(ctx context.Context, cmd *cli.Command, _ int64) error {
					fromCmdline.KeepNuntagged = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "older-than",
				Usage:       "Only consider versions older than this interval, e.g. '4 days' or '1 year'",
				Destination: &cfg.OlderThan,
				Validator: func(interval string) error {
					if interval == "" {
						return nil
					}
					_, err := config.ParseInterval(interval)
					return err
				},
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.OlderThan = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "Log what would be deleted without changing anything",
				Destination: &cfg.DryRun,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.DryRun = true
					return nil
				},
			},
			&cli.BoolFlag{
				Name:        "validate",
				Usage:       "Scan the package for integrity issues after the run",
				Destination: &cfg.Validate,
				Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
					fromCmdline.Validate = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "registry-url",
				Value:       config.DefaultRegistryURL,
				Usage:       "Container registry endpoint",
				Destination: &cfg.RegistryURL,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.RegistryURL = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "api-url",
				Value:       config.DefaultAPIURL,
				Usage:       "Platform API endpoint",
				Destination: &cfg.APIURL,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.APIURL = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Usage:       "Sets the minimum value for logging: trace, debug, info, warn, or error",
				Destination: &cfg.LogLevel,
				Validator: func(lvl string) error {
					switch lvl {
					case "trace", "debug", "info", "warn", "error":
						return nil
					}
					return fmt.Errorf("must be one of trace, debug, info, warn, error")
				},
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.LogLevel = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "A file to load configuration values from (cmdline overrides file settings)",
				Destination: &cfg.ConfigFile,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.ConfigFile = true
					return nil
				},
			},
		},
	}
}

// Parse parses the command line. The returned FromCmdLine records which
// options the user provided, which drives the config-file merge.
func Parse(ctx context.Context, args []string) (config.Configuration, config.FromCmdLine, error) {
	fromCmdline = config.FromCmdLine{}
	cfg = config.Configuration{KeepNtagged: -1, KeepNuntagged: -1}
	if err := newCmds().Run(ctx, args); err != nil {
		return cfg, fromCmdline, err
	}
	return cfg, fromCmdline, nil
}
