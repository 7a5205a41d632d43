package main

import (
	"os"

	"github.com/urfave/cli"

	"github.com/esaurez/pbrt-v3/cmd"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "pbrt-treelets"
	app.Usage = "compile, inspect and trace treelet-partitioned scenes"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "compile",
			Usage: "compile serialized meshes into a treelet scene directory",
			Description: `
Build a BVH over the triangles of the given serialized meshes, partition it
into treelets that fit the byte budget and write the scene directory the
trace command loads.`,
			ArgsUsage: "mesh1.bin mesh2.bin ...",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Value: "scene",
					Usage: "output scene directory",
				},
				cli.StringFlag{
					Name:  "max-treelet-size",
					Value: "1MiB",
					Usage: "treelet byte budget",
				},
				cli.StringFlag{
					Name:  "traversal",
					Value: "sendcheck",
					Usage: "traversal model: sendcheck or checksend",
				},
				cli.StringFlag{
					Name:  "partition",
					Value: "onebyone",
					Usage: "partition algorithm: onebyone, nvidia or mergedgraph",
				},
				cli.StringFlag{
					Name:  "split",
					Value: "sah",
					Usage: "BVH split method: sah, middle or equal",
				},
				cli.IntFlag{
					Name:  "max-leaf-prims",
					Value: 4,
					Usage: "leaf size target of the BVH builder",
				},
			},
			Action: cmd.CompileScene,
		},
		{
			Name:      "info",
			Usage:     "list the treelets of a compiled scene",
			ArgsUsage: "scene_dir",
			Action:    cmd.SceneInfo,
		},
		{
			Name:      "trace",
			Usage:     "fire a ray through a compiled scene or resume a serialized ray",
			ArgsUsage: "scene_dir",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "origin",
					Value: "0,0,0",
					Usage: "ray origin as x,y,z",
				},
				cli.StringFlag{
					Name:  "dir",
					Value: "0,0,1",
					Usage: "ray direction as x,y,z",
				},
				cli.BoolFlag{
					Name:  "preload",
					Usage: "load every treelet up front",
				},
				cli.BoolFlag{
					Name:  "directional",
					Usage: "scene was compiled with per-octant root treelets",
				},
				cli.IntFlag{
					Name:  "workers",
					Value: 1,
					Usage: "preload parallelism",
				},
				cli.StringFlag{
					Name:  "resume",
					Usage: "serialized ray state to resume",
				},
				cli.StringFlag{
					Name:  "save",
					Usage: "write the suspended ray state here at the first treelet hop",
				},
			},
			Action: cmd.TraceRay,
		},
		{
			Name:      "resolve",
			Usage:     "eagerly load a compiled scene and print its stats",
			ArgsUsage: "scene_dir",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "workers",
					Value: 4,
					Usage: "load parallelism",
				},
			},
			Action: cmd.ResolveScene,
		},
	}

	app.Run(os.Args)
}
