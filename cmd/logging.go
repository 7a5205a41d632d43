package cmd

import (
	"github.com/urfave/cli"

	"github.com/esaurez/pbrt-v3/log"
)

var logger = log.New("pbrt")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}
