// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"path/filepath"
)

var (
	version     string
	buildCommit string
	buildTime   string
	telemetry   string
)

func telemetryOn() bool {
	switch telemetry {
	case "true", "yes", "on", "1":
		return true
	}
	return false
}

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("%s %v (%s), built %v", filepath.Base(os.Args[0]), version, buildCommit, buildTime)
}

func GetBuildCommit() string {
	return buildCommit
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	return version
}

// GetServerVersion returns the agent string RepoCell advertises on the wire
// protocol's ref-advertisement capability line (spec §4.6's "agent=...").
func GetServerVersion() string {
	return "RepoCell/" + version
}

func GetTelemeryUserAgent() string {
	if u, err := Uname(); err == nil {
		return fmt.Sprintf("RepoCell/%s (%s; %s; %s)", version, u.Name, u.Machine, u.Release)
	}
	return "RepoCell/" + version
}

func GetUserAgent() string {
	if telemetryOn() {
		return GetTelemeryUserAgent()
	}
	return "RepoCell/" + version
}

func GetBannerVersion() string {
	if telemetryOn() {
		if u, err := Uname(); err == nil {
			return fmt.Sprintf("REPOCELL-%s (%s; %s; %s)", version, u.Name, u.Machine, u.Release)
		}
	}
	return "REPOCELL-" + version
}

func GetServerBannerVersion() string {
	return "REPOCELL-" + version
}

// GetBuildTime returns the time at which the build took place
func GetBuildTime() string {
	return buildTime
}
