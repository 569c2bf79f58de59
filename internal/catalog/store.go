package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"hubd/internal/common/fsutil"
	"hubd/internal/task"
)

// Bundled baseline catalog, compiled into the binary.
//
//go:embed baseline.json
var baselineJSON []byte

const overrideFilename = "catalog_override.json"

// Store loads and persists catalogs. The override file lives under the
// daemon data directory; remote updates are written there and picked up on
// the next Load, never swapped in mid-session.
type Store struct {
	dataDir string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewStore returns a store rooted at dataDir ('~' allowed).
func NewStore(dataDir string, log zerolog.Logger) *Store {
	return &Store{
		dataDir: dataDir,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// OverridePath is the location of the local override catalog file.
func (s *Store) OverridePath() (string, error) {
	dir, err := fsutil.ExpandHome(s.dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, overrideFilename), nil
}

// Load parses the bundled baseline and layers the local override on top if
// one is present and well-formed. A malformed override is reported and
// ignored; startup never aborts because of it. Never touches the network.
func (s *Store) Load() (Catalog, error) {
	var base Catalog
	if err := sonic.Unmarshal(baselineJSON, &base); err != nil {
		// The baseline is compiled in; failing to parse it is a build defect.
		return Catalog{}, fmt.Errorf("bundled baseline catalog: %w", err)
	}

	path, err := s.OverridePath()
	if err != nil {
		s.log.Warn().Err(err).Msg("catalog: cannot resolve override path, using baseline only")
		return base, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("catalog: override unreadable, using baseline only")
		}
		return base, nil
	}
	var override Catalog
	if err := sonic.Unmarshal(b, &override); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("catalog: override malformed, using baseline only")
		return base, nil
	}
	merged := Merge(base, override)
	s.log.Info().Str("version", merged.Version).Int("assets", merged.Len()).Msg("catalog loaded with override")
	return merged, nil
}

// SaveOverride persists c as the local override file, atomically.
func (s *Store) SaveOverride(c Catalog) error {
	path, err := s.OverridePath()
	if err != nil {
		return err
	}
	b, err := sonic.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// FetchRemote retrieves an updated catalog from url on a background task.
// On success the result is saved as the override file and takes effect on
// the next Load. Failures are terminal task events, never process errors.
func (s *Store) FetchRemote(runner *task.Runner, url string) *task.Handle {
	return runner.Spawn("catalog fetch", func(ctx context.Context, report task.Report) error {
		report(0, "requesting")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("catalog server returned %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		report(0.5, "parsing")
		var remote Catalog
		if err := sonic.Unmarshal(body, &remote); err != nil {
			return fmt.Errorf("parse remote catalog: %w", err)
		}
		report(0.8, "saving override")
		if err := s.SaveOverride(remote); err != nil {
			return err
		}
		s.log.Info().Str("version", remote.Version).Int("assets", remote.Len()).
			Msg("catalog update fetched, applies on next start")
		report(1, "saved")
		return nil
	})
}
