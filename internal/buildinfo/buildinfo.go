// Package buildinfo carries version data set at link time, ex.
//
//	go build -ldflags "-X github.com/erikjohnston/github-matrix-project-bot/internal/buildinfo.BuildVersion=v1.2.0"
package buildinfo

import (
	"runtime/debug"

	"go.uber.org/zap"
)

var (
	BuildVersion string
	BuildDate    string
	BuildCommit  string
)

// Fields returns the build data as logger key/value pairs, "N/A" for
// anything unknown.
func Fields() []any {
	v := BuildVersion
	if v == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = bi.Main.Version
		} else {
			v = "N/A"
		}
	}
	d := BuildDate
	if d == "" {
		d = "N/A"
	}
	c := BuildCommit
	if c == "" {
		c = "N/A"
	}
	return []any{"version", v, "date", d, "commit", c}
}

func LogBuildInfo(logger *zap.SugaredLogger) {
	logger.Infow("build info", Fields()...)
}
