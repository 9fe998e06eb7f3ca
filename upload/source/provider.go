package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

// Provider resolves user supplied locations to Files.
// Locations can be local paths, file:// URLs or http(s) URLs. Remote files are
// downloaded to a temporary directory first.
type Provider struct {
	httpClient   *http.Client
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewProvider creates a Provider. httpClient is used for remote downloads, nil means http.DefaultClient.
func NewProvider(httpClient *http.Client, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier, logger log.Logger) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		httpClient:   httpClient,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		logger:       logger,
	}
}

// File resolves location and returns a LocalFile for it.
func (p *Provider) File(ctx context.Context, location string) (*LocalFile, error) {
	localPath, err := p.LocalPath(ctx, location)
	if err != nil {
		return nil, err
	}
	return NewLocalFile(localPath)
}

// LocalPath returns a local path holding the content of location.
func (p *Provider) LocalPath(ctx context.Context, location string) (string, error) {
	if isRemote(location) {
		return p.download(ctx, location)
	}
	return p.pathModifier.AbsPath(strings.TrimPrefix(location, fileScheme))
}

func (p *Provider) download(ctx context.Context, location string) (string, error) {
	tmpDir, err := p.pathProvider.CreateTempDir("upload-source")
	if err != nil {
		return "", fmt.Errorf("create temp directory: %w", err)
	}

	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse url %s: %w", location, err)
	}
	fileName := filepath.Base(parsed.Path)
	if fileName == "." || fileName == "/" {
		fileName = "download"
	}

	dest := filepath.Join(tmpDir, fileName)
	p.logger.Debugf("Downloading %s to %s", location, dest)

	downloader := got.New()
	downloader.Client = p.httpClient
	if err := downloader.Do(got.NewDownload(ctx, location, dest)); err != nil {
		return "", fmt.Errorf("download %s: %w", location, err)
	}

	return dest, nil
}

// Expand resolves glob patterns (including ** patterns) to the list of matching
// regular files. Patterns without wildcards are kept as they are, remote
// locations are passed through untouched.
func (p *Provider) Expand(patterns []string) ([]string, error) {
	var expanded []string
	for _, pattern := range patterns {
		if isRemote(pattern) || !strings.Contains(pattern, "*") {
			expanded = append(expanded, pattern)
			continue
		}

		base, glob := doublestar.SplitPattern(strings.TrimPrefix(pattern, fileScheme))
		absBase, err := p.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}

		matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			p.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if len(matches) == 0 {
			p.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}

		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	return expanded, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
