// Package version хранит сведения о сборке, подставляемые через -ldflags.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// BuildInfo описывает бинарник сервиса корзины.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get возвращает сведения о сборке. Если commit не задан через -ldflags,
// берётся vcs.revision из debug.BuildInfo.
func Get() BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, Date: date}
	if info.Commit != "unknown" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Commit = setting.Value
			case "vcs.time":
				if info.Date == "unknown" {
					info.Date = setting.Value
				}
			}
		}
	}
	return info
}

// GetVersion returns the release tag of the cart service build.
func GetVersion() string { return version }

func String() string {
	info := Get()
	return fmt.Sprintf("cart-service version=%s commit=%s date=%s", info.Version, info.Commit, info.Date)
}
