package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"hubd/pkg/types"
)

// errManualSource is returned for assets whose files are installed by hand.
var errManualSource = errors.New("asset uses a manual source and cannot be downloaded")

// IsManualSource reports whether err means the asset has no downloadable
// source.
func IsManualSource(err error) bool { return errors.Is(err, errManualSource) }

// remoteFile is one file in a source repository listing.
type remoteFile struct {
	Path string
	Size int64
}

// hostedListing mirrors the HuggingFace-style
// GET {base}/api/models/{repo}?blobs=true response; only siblings matter.
type hostedListing struct {
	Siblings []struct {
		Rfilename string `json:"rfilename"`
		Size      int64  `json:"size"`
	} `json:"siblings"`
}

// mirrorListing mirrors the ModelScope-style
// GET {base}/api/v1/models/{repo}/repo/files response.
type mirrorListing struct {
	Code int `json:"Code"`
	Data struct {
		Files []struct {
			Path string `json:"Path"`
			Size int64  `json:"Size"`
			Type string `json:"Type"`
		} `json:"Files"`
	} `json:"Data"`
}

// source resolves repository listings and per-file URLs for one origin kind.
type source struct {
	hostedBase string
	mirrorBase string
	token      string
	httpc      *http.Client
}

// listFiles returns every downloadable file in the asset's repository with
// its size, so the manager can account bytes before the first transfer.
func (s *source) listFiles(ctx context.Context, a types.Asset) ([]remoteFile, error) {
	switch a.Source.Kind {
	case types.SourceHosted:
		return s.listHosted(ctx, a)
	case types.SourceMirror:
		return s.listMirror(ctx, a)
	case types.SourceManual:
		return nil, errManualSource
	default:
		return nil, fmt.Errorf("unknown source kind %q", a.Source.Kind)
	}
}

func (s *source) listHosted(ctx context.Context, a types.Asset) ([]remoteFile, error) {
	u := fmt.Sprintf("%s/api/models/%s?blobs=true", strings.TrimRight(s.hostedBase, "/"), a.Source.Repo)
	body, err := s.get(ctx, u, true)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.Source.Repo, err)
	}
	var listing hostedListing
	if err := sonic.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("parse listing for %s: %w", a.Source.Repo, err)
	}
	files := make([]remoteFile, 0, len(listing.Siblings))
	for _, sib := range listing.Siblings {
		files = append(files, remoteFile{Path: sib.Rfilename, Size: sib.Size})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("repository %s has no files", a.Source.Repo)
	}
	return files, nil
}

func (s *source) listMirror(ctx context.Context, a types.Asset) ([]remoteFile, error) {
	rev := a.Source.Revision
	u := fmt.Sprintf("%s/api/v1/models/%s/repo/files?Revision=%s&Recursive=true",
		strings.TrimRight(s.mirrorBase, "/"), a.Source.Repo, url.QueryEscape(rev))
	body, err := s.get(ctx, u, false)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.Source.Repo, err)
	}
	var listing mirrorListing
	if err := sonic.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("parse listing for %s: %w", a.Source.Repo, err)
	}
	if listing.Code != 200 {
		return nil, fmt.Errorf("mirror listing for %s returned code %d", a.Source.Repo, listing.Code)
	}
	var files []remoteFile
	for _, f := range listing.Data.Files {
		// Directory entries carry Type "tree"; only blobs are fetched.
		if f.Type != "" && f.Type != "blob" {
			continue
		}
		files = append(files, remoteFile{Path: f.Path, Size: f.Size})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("repository %s has no files", a.Source.Repo)
	}
	return files, nil
}

// fileURL builds the direct download URL of one repository file.
func (s *source) fileURL(a types.Asset, path string) (string, error) {
	rev := a.Source.Revision
	switch a.Source.Kind {
	case types.SourceHosted:
		if rev == "" {
			rev = "main"
		}
		return fmt.Sprintf("%s/%s/resolve/%s/%s",
			strings.TrimRight(s.hostedBase, "/"), a.Source.Repo, rev, path), nil
	case types.SourceMirror:
		if rev == "" {
			rev = "master"
		}
		return fmt.Sprintf("%s/api/v1/models/%s/repo?Revision=%s&FilePath=%s",
			strings.TrimRight(s.mirrorBase, "/"), a.Source.Repo, url.QueryEscape(rev), url.QueryEscape(path)), nil
	default:
		return "", errManualSource
	}
}

// get performs one GET and returns the whole body. withAuth attaches the
// hosted-source bearer token when one is configured.
func (s *source) get(ctx context.Context, u string, withAuth bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if withAuth && s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// open starts streaming one file and returns its body. The caller closes it.
func (s *source) open(ctx context.Context, a types.Asset, path string) (io.ReadCloser, error) {
	u, err := s.fileURL(a, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if a.Source.Kind == types.SourceHosted && s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", path, resp.Status)
	}
	return resp.Body, nil
}
