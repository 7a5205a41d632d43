package manager

import (
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/record"
)

// The manifest captures the dumper-side state a loader needs: how many ids
// each object type consumed, the dependency graph, and the material treelet
// assignments.

// WriteManifest serializes the manager state into the MANIFEST record file.
func (m *SceneManager) WriteManifest() error {
	w := m.GetWriter(Manifest, 0)

	for t := ObjectType(0); t < objectTypeCount; t++ {
		w.WriteUint32(m.nextIDs[t])
	}

	fromKeys := sortedKeys(keySet(m.dependencies))
	w.WriteUint32(uint32(len(fromKeys)))
	for _, from := range fromKeys {
		writeKey(w, from)
		deps := sortedKeys(m.dependencies[from])
		w.WriteUint32(uint32(len(deps)))
		for _, dep := range deps {
			writeKey(w, dep)
		}
	}

	w.WriteUint32(uint32(len(m.materialToTreelet)))
	for _, mtl := range sortedUint32Keys(m.materialToTreelet) {
		w.WriteUint32(mtl)
		w.WriteUint32(m.materialToTreelet[mtl])
	}

	if err := w.Close(); err != nil {
		return errors.Wrap(err, "manager: writing manifest")
	}
	return nil
}

func (m *SceneManager) loadManifest() error {
	path := m.FilePath(Manifest, 0)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.Errorf("manager: scene %q has no manifest", m.scenePath)
	}
	r, err := record.OpenReader(path)
	if err != nil {
		return errors.Wrap(err, "manager: opening manifest")
	}
	defer r.Close()

	for t := ObjectType(0); t < objectTypeCount; t++ {
		if m.nextIDs[t], err = r.ReadUint32(); err != nil {
			return errors.Wrap(err, "manager: manifest id counters")
		}
	}

	numFrom, err := r.ReadUint32()
	if err != nil {
		return errors.Wrap(err, "manager: manifest dependencies")
	}
	for i := uint32(0); i < numFrom; i++ {
		from, err := readKey(r)
		if err != nil {
			return err
		}
		numDeps, err := r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "manager: manifest dependencies")
		}
		for j := uint32(0); j < numDeps; j++ {
			dep, err := readKey(r)
			if err != nil {
				return err
			}
			m.RecordDependency(from, dep)
		}
	}

	numMtl, err := r.ReadUint32()
	if err != nil {
		return errors.Wrap(err, "manager: manifest material treelets")
	}
	for i := uint32(0); i < numMtl; i++ {
		mtl, err := r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "manager: manifest material treelets")
		}
		tid, err := r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "manager: manifest material treelets")
		}
		m.materialToTreelet[mtl] = tid
	}
	return nil
}

func writeKey(w *record.Writer, key ObjectKey) {
	w.WriteUint32(uint32(key.Type))
	w.WriteUint32(key.ID)
}

func readKey(r *record.Reader) (ObjectKey, error) {
	t, err := r.ReadUint32()
	if err != nil {
		return ObjectKey{}, errors.Wrap(err, "manager: manifest object key")
	}
	id, err := r.ReadUint32()
	if err != nil {
		return ObjectKey{}, errors.Wrap(err, "manager: manifest object key")
	}
	return ObjectKey{ObjectType(t), id}, nil
}

func keySet(deps map[ObjectKey]map[ObjectKey]struct{}) map[ObjectKey]struct{} {
	set := make(map[ObjectKey]struct{}, len(deps))
	for key := range deps {
		set[key] = struct{}{}
	}
	return set
}

func sortedUint32Keys(mp map[uint32]uint32) []uint32 {
	out := make([]uint32, 0, len(mp))
	for k := range mp {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
