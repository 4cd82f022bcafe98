// Package sysinfo collects the ambient host facts attached to every log entry.
package sysinfo

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
)

const appID = "llm_flow"

// Info describes the host a request was made from.
type Info struct {
	Locale          string `json:"locale"`
	TimeZone        string `json:"timeZone"`
	OperatingSystem string `json:"operatingSystem"`
	Shell           string `json:"shell"`
	MachineID       string `json:"machineId"`
	Env             string `json:"env"`
}

var (
	machineOnce sync.Once
	machineID   string
)

// Collect reads the host facts. env is the deployment tag; it defaults to "development".
func Collect(env string) Info {
	if env == "" {
		env = "development"
	}
	return Info{
		Locale:          Locale(os.Getenv),
		TimeZone:        TimeZone(os.Getenv, time.Local),
		OperatingSystem: runtime.GOOS + "/" + runtime.GOARCH,
		Shell:           Shell(os.Getenv),
		MachineID:       MachineID(),
		Env:             env,
	}
}

// MachineID returns an app-scoped hash of the host machine id, or "" when
// the platform does not expose one.
func MachineID() string {
	machineOnce.Do(func() {
		id, err := machineid.ProtectedID(appID)
		if err == nil {
			machineID = id
		}
	})
	return machineID
}

// Locale derives a BCP 47 style tag from the POSIX locale variables.
func Locale(getenv func(string) string) string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := getenv(key)
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

// TimeZone prefers $TZ, then the name of loc.
func TimeZone(getenv func(string) string, loc *time.Location) string {
	if tz := strings.TrimPrefix(getenv("TZ"), ":"); tz != "" {
		return tz
	}
	if loc != nil && loc.String() != "Local" {
		return loc.String()
	}
	name, _ := time.Now().In(loc).Zone()
	return name
}

// Shell returns the user's login shell, or "Unknown".
func Shell(getenv func(string) string) string {
	if sh := getenv("SHELL"); sh != "" {
		return sh
	}
	if sh := getenv("ComSpec"); sh != "" {
		return sh
	}
	return "Unknown"
}
