// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package acquire

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/artifact"
)

// DownloadStrategy fetches a pre-built binary over HTTP(S). It is the
// last resort: it depends on someone having published an artifact for
// exactly this version and architecture, but it works on hosts that
// cannot build anything at all.
type DownloadStrategy struct {
	// URLTemplate is the artifact location with a {version}
	// placeholder, e.g.
	// "https://example.com/hora-police/{version}/hora-police".
	URLTemplate string

	// Store stages the downloaded binary.
	Store *artifact.Store

	// client is patched in tests.
	client *http.Client
}

// NewDownloadStrategy returns a strategy fetching from urlTemplate.
func NewDownloadStrategy(urlTemplate string, store *artifact.Store) *DownloadStrategy {
	return &DownloadStrategy{
		URLTemplate: urlTemplate,
		Store:       store,
		client:      http.DefaultClient,
	}
}

// Name implements Strategy.
func (*DownloadStrategy) Name() string {
	return "download"
}

// Preflight implements Strategy.
func (s *DownloadStrategy) Preflight(ctx context.Context, target version.Number) error {
	if s.URLTemplate == "" {
		return errors.NotFoundf("download location")
	}
	return nil
}

func (s *DownloadStrategy) url(target version.Number) string {
	return strings.ReplaceAll(s.URLTemplate, "{version}", target.String())
}

// Acquire implements Strategy. The artifact's published SHA-256 is
// expected alongside it at "<url>.sha256"; when present the download
// is verified against it before staging. Download goes to a temporary
// file first, following the same shape as any interrupted fetch
// cleanup: nothing partial ever lands under the staged name.
func (s *DownloadStrategy) Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error) {
	url := s.url(target)
	logger.Infof("downloading %v from %s", target, url)

	tmp, err := os.CreateTemp("", "hpdeploy-download-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	digest, err := s.fetch(ctx, url, tmp)
	if err != nil {
		return nil, errors.Trace(err)
	}

	published, err := s.publishedDigest(ctx, url+".sha256")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if published != "" && published != digest {
		return nil, errors.WithType(
			errors.Errorf("downloaded artifact sha256 %s, published %s", digest, published),
			ErrChecksumMismatch,
		)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Trace(err)
	}
	arch, archErr := BinaryArch(tmpName)
	if archErr != nil {
		return nil, errors.Trace(archErr)
	}
	return stage(s.Store, tmp, target, s.Name(), arch)
}

func (s *DownloadStrategy) fetch(ctx context.Context, url string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", errors.WithType(errors.Annotate(err, "download interrupted"), ErrTimeout)
		}
		return "", errors.WithType(errors.Annotatef(err, "cannot fetch %q", url), ErrNetwork)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.WithType(
			errors.Errorf("bad http response %v for %q", resp.Status, url),
			ErrNetwork,
		)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, hash), resp.Body); err != nil {
		return "", errors.WithType(errors.Annotate(err, "download truncated"), ErrNetwork)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// publishedDigest fetches the optional sidecar checksum. A 404 means
// no checksum is published; any other failure is a real error, since
// silently skipping verification would defeat its point.
func (s *DownloadStrategy) publishedDigest(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.WithType(errors.Annotatef(err, "cannot fetch %q", url), ErrNetwork)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		logger.Debugf("no published checksum at %s", url)
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.WithType(
			errors.Errorf("bad http response %v for %q", resp.Status, url),
			ErrNetwork,
		)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", errors.Trace(err)
	}
	// Accept both bare digests and "sha256sum" style "<digest>  <name>".
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", errors.Errorf("empty checksum file at %q", url)
	}
	return strings.ToLower(fields[0]), nil
}
