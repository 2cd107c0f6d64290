// Package version holds the build version string reported by the CLI's
// --version flag. Overridden at build time with -ldflags
// "-X github.com/karelmartinek-a11y/kajovo/internal/version.Version=...".
package version

var Version = "dev"
