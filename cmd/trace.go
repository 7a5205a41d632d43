package cmd

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/esaurez/pbrt-v3/cloud"
	"github.com/esaurez/pbrt-v3/manager"
	"github.com/esaurez/pbrt-v3/types"
)

// TraceRay loads a compiled scene and either fires a fresh ray through it
// or resumes a serialized ray state, hopping treelets until the traversal
// stack drains.
func TraceRay(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() != 1 {
		return errors.New("missing scene directory argument")
	}
	mgr, err := manager.Open(ctx.Args().First())
	if err != nil {
		return err
	}

	bvh, err := cloud.New(mgr, cloud.Options{
		Preload:     ctx.Bool("preload"),
		Directional: ctx.Bool("directional"),
		Workers:     ctx.Int("workers"),
	})
	if err != nil {
		return err
	}
	defer bvh.LogStats()

	state := &cloud.RayTraceState{}
	if resume := ctx.String("resume"); resume != "" {
		blob, err := os.ReadFile(resume)
		if err != nil {
			return errors.Wrapf(err, "reading %s", resume)
		}
		if err := state.DeserializeCompressed(blob); err != nil {
			// fall back to the uncompressed wire form
			if err := state.Deserialize(blob); err != nil {
				return errors.Wrapf(err, "decoding %s", resume)
			}
		}
	} else {
		origin, err := parseVec3(ctx.String("origin"))
		if err != nil {
			return errors.Wrap(err, "parsing origin")
		}
		dir, err := parseVec3(ctx.String("dir"))
		if err != nil {
			return errors.Wrap(err, "parsing dir")
		}
		state.Ray = types.NewRay(origin, dir.Normalize())
		state.StartTrace(bvh.ComputeIdx(state.Ray.Dir))
	}

	hops := 0
	for !state.StackEmpty() {
		if err := bvh.Trace(state); err != nil {
			return err
		}
		if state.StackEmpty() {
			break
		}
		hops++
		logger.Infof("hop %d: continuing in treelet %d", hops, state.CurrentTreelet())

		if save := ctx.String("save"); save != "" {
			if err := os.WriteFile(save, state.SerializeCompressed(), 0644); err != nil {
				return errors.Wrapf(err, "writing %s", save)
			}
			logger.Noticef("suspended ray state written to %s", save)
			return nil
		}
	}

	if state.Hit {
		logger.Noticef("hit at t=%f point=%v normal=%v material=%s after %d hops",
			state.HitT, state.Interaction.P, state.Interaction.N, state.MaterialKey, hops)
	} else {
		logger.Noticef("no hit after %d hops", hops)
	}
	return nil
}

// ResolveScene loads the scene eagerly and prints per-treelet stats; used
// to validate a compiled directory end to end.
func ResolveScene(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() != 1 {
		return errors.New("missing scene directory argument")
	}
	mgr, err := manager.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	bvh, err := cloud.New(mgr, cloud.Options{Preload: true, Workers: ctx.Int("workers")})
	if err != nil {
		return err
	}
	bvh.LogStats()
	logger.Noticef("world bounds %v, root surface area %f",
		bvh.WorldBound(), bvh.RootSurfaceAreas())
	return nil
}

func parseVec3(s string) (types.Vec3, error) {
	var v types.Vec3
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, errors.Errorf("%q is not an x,y,z triple", s)
	}
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return v, err
		}
		v[i] = float32(f)
	}
	return v, nil
}
