package main

import (
	"github.com/robotalks/mbot.go/pkg/cli/sh"
	"github.com/robotalks/mbot.go/pkg/env"

	_ "github.com/robotalks/mbot.go/pkg/cli/cmds/motion"
)

//go-build: CGO_ENABLED=0

func init() {
	env.SetupFlags()
}

func main() {
	sh.Main()
}
