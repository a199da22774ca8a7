// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/repocell/cell/pkg/version"
)

type Globals struct {
	Verbose bool `short:"V" name:"verbose" help:"Make the operation more talkative"`
	Version bool `short:"v" name:"version" help:"Show version number and quit"`
}

type App struct {
	Globals
	Serve ServeCmd `cmd:"" default:"withargs" help:"start a repocell server"`
}

func main() {
	var app App
	ctx := kong.Parse(&app,
		kong.Name("repocell-serve"),
		kong.Description("RepoCell - per-repository storage shard server"),
		kong.UsageOnError(),
	)
	if app.Version {
		fmt.Println(version.GetVersionString())
		return
	}
	if app.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if err := ctx.Run(&app.Globals); err != nil {
		logrus.Errorf("repocell-serve: %v", err)
		os.Exit(1)
	}
}
