package cmd

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/esaurez/pbrt-v3/compiler"
	"github.com/esaurez/pbrt-v3/manager"
	"github.com/esaurez/pbrt-v3/scene"
)

// CompileScene builds the treelet-partitioned accelerator over one or more
// serialized triangle meshes and writes the scene directory.
func CompileScene(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() == 0 {
		return errors.New("missing mesh file arguments")
	}

	outDir := ctx.String("out")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", outDir)
	}

	cfg, err := parseConfig(ctx)
	if err != nil {
		return err
	}

	mgr := manager.New(outDir)
	reg := compiler.NewInstanceRegistry()

	var prims []*compiler.BuildPrimitive
	for idx := 0; idx < ctx.NArg(); idx++ {
		meshFile := ctx.Args().Get(idx)
		blob, err := os.ReadFile(meshFile)
		if err != nil {
			return errors.Wrapf(err, "reading %s", meshFile)
		}
		mesh, err := scene.DeserializeMesh(blob)
		if err != nil {
			return errors.Wrapf(err, "decoding %s", meshFile)
		}
		mgr.NextID(manager.TriangleMesh, mesh)

		for tri := uint32(0); tri < uint32(mesh.TriangleCount()); tri++ {
			prims = append(prims, compiler.NewTrianglePrimitive(mesh, tri))
		}
		logger.Infof("%s: %d triangles", meshFile, mesh.TriangleCount())
	}

	bvh, err := compiler.NewSceneBVH(mgr, prims, cfg, reg)
	if err != nil {
		return err
	}
	if _, err := bvh.DumpTreelets(); err != nil {
		return err
	}
	if err := bvh.DumpHeader(); err != nil {
		return err
	}
	if err := mgr.WriteManifest(); err != nil {
		return err
	}

	logger.Noticef("compiled %d primitives into %d treelets at %s",
		len(prims), len(bvh.Treelets()), outDir)
	return nil
}

func parseConfig(ctx *cli.Context) (compiler.Config, error) {
	var cfg compiler.Config
	var err error

	if cfg.MaxTreeletBytes, err = humanize.ParseBytes(ctx.String("max-treelet-size")); err != nil {
		return cfg, errors.Wrap(err, "parsing max-treelet-size")
	}
	if cfg.Traversal, err = compiler.ParseTraversalAlgorithm(ctx.String("traversal")); err != nil {
		return cfg, err
	}
	if cfg.Partition, err = compiler.ParsePartitionAlgorithm(ctx.String("partition")); err != nil {
		return cfg, err
	}
	if cfg.Split, err = compiler.ParseSplitMethod(ctx.String("split")); err != nil {
		return cfg, err
	}
	cfg.MaxLeafPrims = ctx.Int("max-leaf-prims")
	return cfg, nil
}
