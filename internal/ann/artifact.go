package ann

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

const (
	// IndexFileName is the binary forest file, relative to the artifact dir.
	IndexFileName = "cluster_global.ann"
	// MapFileName is the JSON sidecar with the user↔slot maps.
	MapFileName = "global_map.json"
)

var (
	// ErrNotFound means the artifact files are not on disk (cold start).
	ErrNotFound = errors.New("ann: artifact not found")
	// ErrMalformed means the artifact files exist but cannot be decoded.
	ErrMalformed = errors.New("ann: malformed artifact")
)

// indexData is the gob form of the binary index file.
type indexData struct {
	Dim      int
	Metric   string
	NumTrees int
	Vectors  [][]float64
	Nodes    []node
	Roots    []int32
}

// mapSidecar mirrors the JSON sidecar layout. Keys are strings even though
// they are semantically integers.
type mapSidecar struct {
	UserIndexMap    map[string]int    `json:"user_index_map"`
	IndexUserMap    map[string]int64  `json:"index_user_map"`
	EmbedDimensions int               `json:"embed_dimensions"`
}

// Save writes the artifact pair into dir. Each file is written to a temp
// file and renamed, so readers observe either the old artifact or the new
// one, never a torn file.
func (ix *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	data := indexData{
		Dim:      ix.dim,
		Metric:   MetricAngular,
		NumTrees: ix.numTrees,
		Vectors:  ix.vectors,
		Nodes:    ix.nodes,
		Roots:    ix.roots,
	}
	if err := atomicWrite(filepath.Join(dir, IndexFileName), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(&data)
	}); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}

	side := mapSidecar{
		UserIndexMap:    make(map[string]int, len(ix.slotOf)),
		IndexUserMap:    make(map[string]int64, len(ix.userOf)),
		EmbedDimensions: ix.dim,
	}
	for id, slot := range ix.slotOf {
		side.UserIndexMap[strconv.FormatInt(id, 10)] = slot
	}
	for slot, id := range ix.userOf {
		side.IndexUserMap[strconv.Itoa(slot)] = id
	}
	if err := atomicWrite(filepath.Join(dir, MapFileName), func(f *os.File) error {
		return json.NewEncoder(f).Encode(&side)
	}); err != nil {
		return fmt.Errorf("write map file: %w", err)
	}
	return nil
}

func atomicWrite(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Exists reports whether both artifact files are present in dir.
func Exists(dir string) bool {
	for _, name := range []string{IndexFileName, MapFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Load reads the artifact pair from dir. Missing files yield ErrNotFound;
// undecodable files yield errors wrapping ErrMalformed.
func Load(dir string) (*Index, error) {
	f, err := os.Open(filepath.Join(dir, IndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	var data indexData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decode index file: %v", ErrMalformed, err)
	}
	if data.Metric != MetricAngular {
		return nil, fmt.Errorf("%w: unsupported metric %q", ErrMalformed, data.Metric)
	}

	raw, err := os.ReadFile(filepath.Join(dir, MapFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open map file: %w", err)
	}
	var side mapSidecar
	if err := json.Unmarshal(raw, &side); err != nil {
		return nil, fmt.Errorf("%w: decode map file: %v", ErrMalformed, err)
	}
	if side.EmbedDimensions != data.Dim {
		return nil, fmt.Errorf("%w: map dims %d do not match index dims %d", ErrMalformed, side.EmbedDimensions, data.Dim)
	}
	if len(side.UserIndexMap) != len(data.Vectors) || len(side.IndexUserMap) != len(data.Vectors) {
		return nil, fmt.Errorf("%w: map covers %d users, index has %d vectors", ErrMalformed, len(side.UserIndexMap), len(data.Vectors))
	}

	ix := &Index{
		dim:      data.Dim,
		numTrees: data.NumTrees,
		vectors:  data.Vectors,
		norms:    make([]float64, len(data.Vectors)),
		nodes:    data.Nodes,
		roots:    data.Roots,
		slotOf:   make(map[int64]int, len(side.UserIndexMap)),
		userOf:   make([]int64, len(data.Vectors)),
	}
	for i, v := range data.Vectors {
		ix.norms[i] = floats.Norm(v, 2)
	}
	for key, slot := range side.UserIndexMap {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: non-integer user key %q", ErrMalformed, key)
		}
		if slot < 0 || slot >= len(ix.userOf) {
			return nil, fmt.Errorf("%w: slot %d out of range", ErrMalformed, slot)
		}
		ix.slotOf[id] = slot
		ix.userOf[slot] = id
	}
	return ix, nil
}

// Loader caches the parsed index keyed on the binary file's mtime and size,
// so the per-tick reload is a stat, not a full parse, until a new build
// lands.
type Loader struct {
	dir string

	mu      sync.Mutex
	cached  *Index
	modTime time.Time
	size    int64
}

// NewLoader creates a loader for the given artifact directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the current index, reusing the cached parse when the file on
// disk is unchanged.
func (l *Loader) Load() (*Index, error) {
	info, err := os.Stat(filepath.Join(l.dir, IndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat index file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached != nil && info.ModTime().Equal(l.modTime) && info.Size() == l.size {
		return l.cached, nil
	}

	ix, err := Load(l.dir)
	if err != nil {
		return nil, err
	}
	l.cached = ix
	l.modTime = info.ModTime()
	l.size = info.Size()
	return ix, nil
}
