// Package gridio reads and writes gridded stacks as msgpack ".grid" files and
// exposes a directory of them as a pipeline source.
package gridio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/climatepipe/internal/artifact"
	"github.com/chrissnell/climatepipe/internal/calendar"
	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/grid"
)

// KindGrid labels grid files in metrics.
const KindGrid = "grid"

type gridFile struct {
	Name       string            `msgpack:"name"`
	Resolution string            `msgpack:"resolution"`
	Lat        []float64         `msgpack:"lat"`
	Lon        []float64         `msgpack:"lon"`
	Times      []time.Time       `msgpack:"time"`
	Data       []float64         `msgpack:"data"` // time-major
	Attrs      map[string]string `msgpack:"attrs"`
}

// Write atomically stores s at path.
func Write(path string, s *grid.Stack) error {
	if err := s.Validate(); err != nil {
		return err
	}
	rows, cols := s.Data.Dims()
	data := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		data = append(data, s.Data.RawRowView(r)...)
	}
	return artifact.WriteMsgpack(path, KindGrid, &gridFile{
		Name:       s.Name,
		Resolution: string(s.Resolution),
		Lat:        s.Lat,
		Lon:        s.Lon,
		Times:      s.Times,
		Data:       data,
		Attrs:      s.Attrs,
	})
}

// Read loads the stack stored at path.
func Read(path string) (*grid.Stack, error) {
	var f gridFile
	if err := artifact.ReadMsgpack(path, &f); err != nil {
		return nil, err
	}
	res, err := calendar.ParseResolution(f.Resolution)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n := len(f.Lat) * len(f.Lon)
	if n == 0 || len(f.Times) == 0 || len(f.Data) != n*len(f.Times) {
		return nil, faults.Configf("%s: %d values do not fit %d times x %d cells", path, len(f.Data), len(f.Times), n)
	}
	times := make([]time.Time, len(f.Times))
	for i, t := range f.Times {
		times[i] = t.UTC()
	}
	s := &grid.Stack{
		Name:       f.Name,
		Resolution: res,
		Lat:        f.Lat,
		Lon:        f.Lon,
		Times:      times,
		Data:       mat.NewDense(len(f.Times), n, f.Data),
		Attrs:      f.Attrs,
	}
	if s.Attrs == nil {
		s.Attrs = map[string]string{}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// DirectorySource serves per-year source stacks laid out as
// <root>/<region>/era5/<region>-<year>-era5.<variable>.grid.
type DirectorySource struct {
	root string
}

// NewDirectorySource returns a source rooted at the sources directory.
func NewDirectorySource(root string) *DirectorySource {
	return &DirectorySource{root: root}
}

// Path returns the file holding variable for region and year.
func (d *DirectorySource) Path(region, variable string, year int) string {
	return filepath.Join(d.root, region, "era5", fmt.Sprintf("%s-%d-era5.%s.grid", region, year, variable))
}

// Available reports whether the file for region, variable and year exists.
func (d *DirectorySource) Available(region, variable string, year int) bool {
	_, err := os.Stat(d.Path(region, variable, year))
	return err == nil
}

// Load reads one year of variable for region.
func (d *DirectorySource) Load(ctx context.Context, region, variable string, year int) (*grid.Stack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.Path(region, variable, year)
	s, err := Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, faults.MissingFiles("source data not found", path)
	}
	return s, err
}
