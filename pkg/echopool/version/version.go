// Package version holds build information injected with -ldflags -X.
package version

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the bare version.
func GetVersion() string {
	return Version
}

// GetFullVersion returns the version line printed by --version.
func GetFullVersion() string {
	return fmt.Sprintf("echopool %s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
}

// Fields returns the build information as log fields.
func Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("built", BuildDate),
	}
}
