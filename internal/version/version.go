package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/mprepair"

// buildVersion is set via -ldflags "-X pkt.systems/mprepair/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string.
func Current() string {
	if strings.TrimSpace(buildVersion) != "" {
		return buildVersion
	}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoFromBuildInfo(info); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	info, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Info describes the running binary.
type Info struct {
	Module  string `json:"module"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// Describe returns module, version and toolchain in one value.
func Describe() Info {
	return Info{Module: Module(), Version: Current(), Go: runtime.Version()}
}

// String renders the info as "module version (go)".
func (i Info) String() string {
	return i.Module + " " + i.Version + " (" + i.Go + ")"
}

// pseudoFromBuildInfo derives a pseudo-version from the VCS stamp the go
// tool embeds, e.g. v0.0.0-20260102150405-0123456789ab+dirty.
func pseudoFromBuildInfo(info *debug.BuildInfo) string {
	if info == nil {
		return ""
	}
	vcs := make(map[string]string, len(info.Settings))
	for _, setting := range info.Settings {
		if strings.HasPrefix(setting.Key, "vcs.") {
			vcs[strings.TrimPrefix(setting.Key, "vcs.")] = setting.Value
		}
	}
	revision, stamp := vcs["revision"], vcs["time"]
	if revision == "" || stamp == "" {
		return ""
	}
	committed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	const shortRevision = 12
	if len(revision) > shortRevision {
		revision = revision[:shortRevision]
	}
	var b strings.Builder
	b.WriteString("v0.0.0-")
	b.WriteString(committed.UTC().Format("20060102150405"))
	b.WriteByte('-')
	b.WriteString(revision)
	if vcs["modified"] == "true" {
		b.WriteString("+dirty")
	}
	return b.String()
}
