package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default service endpoints. Both are overridable to support GHES and the
// test double.
const (
	DefaultRegistryURL = "https://ghcr.io"
	DefaultAPIURL      = "https://api.github.com"
)

// Configuration represents the totality of configuration knobs and dials for
// a cleanup run. A value of this struct is built once at startup and passed
// into each component - components never mutate it.
type Configuration struct {
	LogLevel       string `yaml:"logLevel"`
	ConfigFile     string `yaml:"-"`
	Token          string `yaml:"token"`
	Owner          string `yaml:"owner"`
	Packages       string `yaml:"packages"`
	ExpandPackages bool   `yaml:"expandPackages"`

	DeleteTags  string `yaml:"deleteTags"`
	ExcludeTags string `yaml:"excludeTags"`
	UseRegex    bool   `yaml:"useRegex"`

	DeleteUntagged       *bool `yaml:"deleteUntagged"`
	DeleteGhostImages    bool  `yaml:"deleteGhostImages"`
	DeletePartialImages  bool  `yaml:"deletePartialImages"`
	DeleteOrphanedImages bool  `yaml:"deleteOrphanedImages"`

	// -1 means not configured; zero is meaningful (keep none)
	KeepNtagged   int64 `yaml:"keepNtagged"`
	KeepNuntagged int64 `yaml:"keepNuntagged"`

	OlderThan string `yaml:"olderThan"`
	DryRun    bool   `yaml:"dryRun"`
	Validate  bool   `yaml:"validate"`

	RegistryURL string `yaml:"registryUrl"`
	APIURL      string `yaml:"apiUrl"`

	// parsed form of OlderThan, populated by Check
	OlderThanDuration time.Duration `yaml:"-"`
}

// FromCmdLine has a flag for every command-line option. The parsing code sets
// the flag to true if the option was explicitly provided on the command line
// by the user, which both drives the config-file merge and distinguishes
// "not configured" from a zero value.
type FromCmdLine struct {
	Command              string
	LogLevel             bool
	ConfigFile           bool
	Token                bool
	Owner                bool
	Packages             bool
	ExpandPackages       bool
	DeleteTags           bool
	ExcludeTags          bool
	UseRegex             bool
	DeleteUntagged       bool
	DeleteGhostImages    bool
	DeletePartialImages  bool
	DeleteOrphanedImages bool
	KeepNtagged          bool
	KeepNuntagged        bool
	OlderThan            bool
	DryRun               bool
	Validate             bool
	RegistryURL          bool
	APIURL               bool
}

// NewConfiguration returns a Configuration with defaults that differ from the
// type's zero value.
func NewConfiguration() Configuration {
	return Configuration{
		LogLevel:      "info",
		KeepNtagged:   -1,
		KeepNuntagged: -1,
		RegistryURL:   DefaultRegistryURL,
		APIURL:        DefaultAPIURL,
	}
}

// Load parses the passed yaml configuration file.
func Load(configFile string) (Configuration, error) {
	cfg := Configuration{KeepNtagged: -1, KeepNuntagged: -1}
	contents, err := os.ReadFile(configFile)
	if err != nil {
		return cfg, fmt.Errorf("error reading configuration file %s: %w", configFile, err)
	}
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing configuration file %s: %w", configFile, err)
	}
	return cfg, nil
}

// classicTokenRe matches a classic personal access token, the only kind of
// credential the packages API accepts for cross-package queries.
var classicTokenRe = regexp.MustCompile(`^ghp_[A-Za-z0-9]+$`)

// Check validates the merged configuration and applies the defaulting rule.
// It fails fast - before any I/O - on anything the run could not recover
// from.
func (c *Configuration) Check() error {
	if c.Token == "" {
		return fmt.Errorf("a token is required")
	}
	if c.Owner == "" {
		return fmt.Errorf("an owner is required")
	}
	if c.Packages == "" {
		return fmt.Errorf("at least one package is required")
	}
	if c.KeepNtagged < -1 {
		return fmt.Errorf("keep-n-tagged must not be negative")
	}
	if c.KeepNuntagged < -1 {
		return fmt.Errorf("keep-n-untagged must not be negative")
	}
	if c.KeepNuntagged >= 0 && c.DeleteUntagged != nil && *c.DeleteUntagged {
		return fmt.Errorf("delete-untagged and keep-n-untagged can not be set at the same time")
	}
	if c.DeleteGhostImages && c.DeletePartialImages {
		return fmt.Errorf("delete-ghost-images and delete-partial-images can not be set at the same time (partial subsumes ghost)")
	}
	if c.ExpandPackages && !classicTokenRe.MatchString(c.Token) {
		return fmt.Errorf("expand-packages requires a classic personal access token")
	}
	if c.OlderThan != "" {
		duration, err := ParseInterval(c.OlderThan)
		if err != nil {
			return err
		}
		c.OlderThanDuration = duration
	}
	if c.UseRegex {
		for _, expr := range []string{c.DeleteTags, c.ExcludeTags} {
			if expr == "" {
				continue
			}
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("invalid regular expression %q: %w", expr, err)
			}
		}
	}
	// when no cleanup option at all is configured the engine falls back to
	// deleting untagged versions
	if !c.cleanupConfigured() {
		deleteUntagged := true
		c.DeleteUntagged = &deleteUntagged
	}
	return nil
}

// cleanupConfigured reports whether any of the tag-delete, structural or
// count-based options was set.
func (c *Configuration) cleanupConfigured() bool {
	return c.DeleteTags != "" ||
		c.DeleteUntagged != nil ||
		c.DeleteGhostImages ||
		c.DeletePartialImages ||
		c.DeleteOrphanedImages ||
		c.KeepNtagged >= 0 ||
		c.KeepNuntagged >= 0
}

// DeleteUntaggedEnabled returns the resolved delete-untagged setting.
func (c Configuration) DeleteUntaggedEnabled() bool {
	return c.DeleteUntagged != nil && *c.DeleteUntagged
}

// PackageList splits the packages option into individual names or patterns.
func (c Configuration) PackageList() []string {
	var packages []string
	for _, name := range strings.Split(c.Packages, ",") {
		if name = strings.TrimSpace(name); name != "" {
			packages = append(packages, name)
		}
	}
	return packages
}
