package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/climatepipe/internal/faults"
	"github.com/chrissnell/climatepipe/internal/gamma"
)

// KindGamma labels gamma parameter files in metrics.
const KindGamma = "gamma"

// Store writes gamma parameter artifacts under a root directory and records
// them in a Catalog.
type Store struct {
	root    string
	catalog *Catalog
	runID   string
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewStore returns a store rooted at the output directory. runID is stamped
// on every artifact the store writes.
func NewStore(root string, catalog *Catalog, runID string, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{root: root, catalog: catalog, runID: runID, logger: logger, now: time.Now}
}

// Path returns the file an identity is stored at:
// <root>/<region>/era5/<region>-<ystart>-<yend>-era5.<index>.window<w>.gamma.
func (s *Store) Path(id gamma.Identity) string {
	name := fmt.Sprintf("%s-%d-%d-era5.%s.window%d.gamma",
		id.Region, id.BaselineStart, id.BaselineEnd, id.IndexName(), id.Window)
	return filepath.Join(s.root, id.Region, "era5", name)
}

// Save writes p and records it in the catalog. An existing artifact with the
// same identity is replaced atomically.
func (s *Store) Save(ctx context.Context, p *gamma.Parameters) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	stamped := *p
	stamped.Attrs = make(map[string]string, len(p.Attrs)+1)
	for k, v := range p.Attrs {
		stamped.Attrs[k] = v
	}
	stamped.Attrs["run_id"] = s.runID

	path := s.Path(p.Identity)
	if err := WriteMsgpack(path, KindGamma, &stamped); err != nil {
		return "", err
	}
	err := s.catalog.Put(ctx, Entry{
		Identity:  p.Identity,
		Method:    p.Method,
		Path:      path,
		RunID:     s.runID,
		CreatedAt: s.now(),
	})
	if err != nil {
		return "", err
	}
	s.logger.Infow("saved gamma parameters", "key", p.Identity.Key(), "path", path)
	return path, nil
}

// Load reads the artifact for exactly id.
func (s *Store) Load(ctx context.Context, id gamma.Identity) (*gamma.Parameters, error) {
	e, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.read(e)
}

// Latest reads the most recently saved artifact for a region and variable.
func (s *Store) Latest(ctx context.Context, region, variable string, biasCorrected bool) (*gamma.Parameters, error) {
	e, err := s.catalog.Latest(ctx, region, variable, biasCorrected)
	if err != nil {
		return nil, err
	}
	return s.read(e)
}

func (s *Store) read(e Entry) (*gamma.Parameters, error) {
	var p gamma.Parameters
	if err := ReadMsgpack(e.Path, &p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &faults.ArtifactNotFoundError{Key: e.Identity.Key()}
		}
		return nil, err
	}
	if p.Identity != e.Identity {
		return nil, fmt.Errorf("artifact %s holds parameters for %s", e.Path, p.Identity.Key())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
