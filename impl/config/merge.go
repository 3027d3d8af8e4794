package config

// Merge combines a configuration parsed from a file with one parsed from the
// command line. Precedence:
//
//  1. User provided a value on the command line: use it
//  2. User did not, file provides a value: use the file's value
//  3. Neither: use the command-line default
//
// The merged configuration is returned as a new value; neither input is
// modified.
func Merge(file Configuration, cli Configuration, fromCmdline FromCmdLine) Configuration {
	merged := file
	merged.ConfigFile = cli.ConfigFile
	if fromCmdline.LogLevel || merged.LogLevel == "" {
		merged.LogLevel = cli.LogLevel
	}
	if fromCmdline.Token || merged.Token == "" {
		merged.Token = cli.Token
	}
	if fromCmdline.Owner || merged.Owner == "" {
		merged.Owner = cli.Owner
	}
	if fromCmdline.Packages || merged.Packages == "" {
		merged.Packages = cli.Packages
	}
	if fromCmdline.ExpandPackages {
		merged.ExpandPackages = cli.ExpandPackages
	}
	if fromCmdline.DeleteTags || merged.DeleteTags == "" {
		merged.DeleteTags = cli.DeleteTags
	}
	if fromCmdline.ExcludeTags || merged.ExcludeTags == "" {
		merged.ExcludeTags = cli.ExcludeTags
	}
	if fromCmdline.UseRegex {
		merged.UseRegex = cli.UseRegex
	}
	if fromCmdline.DeleteUntagged {
		merged.DeleteUntagged = cli.DeleteUntagged
	}
	if fromCmdline.DeleteGhostImages {
		merged.DeleteGhostImages = cli.DeleteGhostImages
	}
	if fromCmdline.DeletePartialImages {
		merged.DeletePartialImages = cli.DeletePartialImages
	}
	if fromCmdline.DeleteOrphanedImages {
		merged.DeleteOrphanedImages = cli.DeleteOrphanedImages
	}
	if fromCmdline.KeepNtagged || merged.KeepNtagged < 0 {
		merged.KeepNtagged = cli.KeepNtagged
	}
	if fromCmdline.KeepNuntagged || merged.KeepNuntagged < 0 {
		merged.KeepNuntagged = cli.KeepNuntagged
	}
	if fromCmdline.OlderThan || merged.OlderThan == "" {
		merged.OlderThan = cli.OlderThan
	}
	if fromCmdline.DryRun {
		merged.DryRun = cli.DryRun
	}
	if fromCmdline.Validate {
		merged.Validate = cli.Validate
	}
	if fromCmdline.RegistryURL || merged.RegistryURL == "" {
		merged.RegistryURL = cli.RegistryURL
	}
	if fromCmdline.APIURL || merged.APIURL == "" {
		merged.APIURL = cli.APIURL
	}
	return merged
}
