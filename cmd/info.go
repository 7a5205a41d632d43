package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/esaurez/pbrt-v3/manager"
)

// SceneInfo lists the treelets of a compiled scene directory.
func SceneInfo(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() != 1 {
		return errors.New("missing scene directory argument")
	}
	mgr, err := manager.Open(ctx.Args().First())
	if err != nil {
		return err
	}

	probs, err := readTreeletProbabilities(mgr.ScenePath())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Treelet", "Size", "Probability", "Dependencies"})

	var total uint64
	count := mgr.TreeletCount()
	for id := uint32(0); id < count; id++ {
		fi, err := os.Stat(mgr.FilePath(manager.Treelet, id))
		if err != nil {
			return errors.Wrapf(err, "sizing treelet %d", id)
		}
		total += uint64(fi.Size())

		prob := "-"
		if p, ok := probs[id]; ok {
			prob = fmt.Sprintf("%.4f", p)
		}
		table.Append([]string{
			fmt.Sprintf("T%d", id),
			humanize.IBytes(uint64(fi.Size())),
			prob,
			fmt.Sprintf("%d", len(mgr.TreeletDependencies(id))),
		})
	}
	table.SetFooter([]string{"Total", humanize.IBytes(total), "", ""})
	table.Render()
	return nil
}

// readTreeletProbabilities parses the optional scheduler weight file.
func readTreeletProbabilities(scenePath string) (map[uint32]float64, error) {
	probs := make(map[uint32]float64)

	f, err := os.Open(filepath.Join(scenePath, "STATIC0_pre"))
	if err != nil {
		if os.IsNotExist(err) {
			return probs, nil
		}
		return nil, errors.Wrap(err, "reading treelet probabilities")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var id uint32
		var p float64
		if _, err := fmt.Sscanf(scanner.Text(), "%d %f", &id, &p); err != nil {
			continue
		}
		probs[id] += p
	}
	return probs, scanner.Err()
}
