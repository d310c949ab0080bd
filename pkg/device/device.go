// Package device describes the machine the agent runs on.
package device

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/predatorx7/intakelog/pkg/model"
)

// Unknown is used until detection has finished.
var Unknown = model.Device{Name: "unknown", Platform: runtime.GOOS + "/" + runtime.GOARCH, Timezone: "UTC"}

// Config overrides detected values. Kiosks usually set Name and the screen size.
type Config struct {
	Name         string `yaml:"name"`
	Language     string `yaml:"language"`
	ScreenWidth  int    `yaml:"screen_width"`
	ScreenHeight int    `yaml:"screen_height"`
	UserAgent    string `yaml:"user_agent"`
}

// Detect collects the device descriptor. It may touch the filesystem, so the
// logger runs it once in the background.
func Detect(ctx context.Context, cfg Config) model.Device {
	d := model.Device{
		Name:         cfg.Name,
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		Language:     cfg.Language,
		Timezone:     Timezone(),
		ScreenWidth:  cfg.ScreenWidth,
		ScreenHeight: cfg.ScreenHeight,
		UserAgent:    cfg.UserAgent,
	}
	if ctx.Err() != nil {
		return d
	}

	if d.Name == "" {
		if host, err := os.Hostname(); err == nil {
			d.Name = host
		} else {
			d.Name = "unknown"
		}
	}
	if d.Language == "" {
		d.Language = language()
	}
	return d
}

// Timezone returns the IANA name of the local zone when it can be found,
// otherwise the zone abbreviation.
func Timezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			return target[i+len("zoneinfo/"):]
		}
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	name, _ := time.Now().Zone()
	return name
}

// language turns POSIX locale variables (en_US.UTF-8) into a BCP 47 tag (en-US).
func language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return "en-US"
}
