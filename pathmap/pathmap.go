// Package pathmap is the pluggable policy that connects source URLs to the
// local filesystem: rewriting the URLs a source map declares, finding an
// existing absolute path behind a URL, and turning paths back into URLs.
// Hosts with unusual layouts (containers, remote FS) supply their own
// Resolver.
package pathmap

import (
	"context"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/afero"
)

// Resolver is the URL/path policy consumed by the source container.
type Resolver interface {
	// RewriteSourceURL is applied to every source URL a map declares before
	// it is resolved. Returns the input unchanged when no rule matches.
	RewriteSourceURL(sourceURL string) string
	// URLToAbsolutePath maps a URL to an absolute path that exists on disk,
	// or returns an empty path when the URL has no filesystem backing.
	URLToAbsolutePath(ctx context.Context, sourceURL string) (string, error)
	// AbsolutePathToURL maps an absolute path back to the URL it would be
	// registered under.
	AbsolutePathToURL(path string) (string, bool)
}

// FileResolver is the default Resolver: file: URLs and bare absolute paths
// map to themselves when the file exists on fs, everything else has no
// filesystem backing.
type FileResolver struct {
	fs    afero.Fs
	rules Rules
}

// NewFileResolver returns a FileResolver checking existence against fs.
func NewFileResolver(fs afero.Fs, rules Rules) *FileResolver {
	return &FileResolver{fs: fs, rules: rules}
}

// RewriteSourceURL implements Resolver.
func (r *FileResolver) RewriteSourceURL(sourceURL string) string {
	return r.rules.Apply(sourceURL)
}

// URLToAbsolutePath implements Resolver.
func (r *FileResolver) URLToAbsolutePath(_ context.Context, sourceURL string) (string, error) {
	path := urlToPath(sourceURL)
	if path == "" {
		return "", nil
	}
	exists, err := afero.Exists(r.fs, path)
	if err != nil || !exists {
		return "", err
	}
	return path, nil
}

// AbsolutePathToURL implements Resolver.
func (r *FileResolver) AbsolutePathToURL(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		return "", false
	}
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") { // windows drive paths
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String(), true
}

func urlToPath(sourceURL string) string {
	if filepath.IsAbs(sourceURL) {
		return filepath.Clean(sourceURL)
	}
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	path := u.Path
	if runtime.GOOS == "windows" {
		path = strings.TrimPrefix(path, "/")
	}
	return filepath.Clean(filepath.FromSlash(path))
}

var _ Resolver = &FileResolver{}
