package sourcemaps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// hashKey keys the content hashes used to dedup parses. It only needs to be
// stable within a process.
//
//nolint:gochecknoglobals
var hashKey = []byte("dapkit/sourcemaps/loader/hashkey") // 32 bytes

// A Loader fetches and parses source maps from the filesystem, over HTTP(S),
// or inline from data: URLs. Parses are deduplicated by content hash, so the
// same bundle loaded under several scripts is only decoded once.
type Loader struct {
	logger logrus.FieldLogger
	fs     afero.Fs
	client *http.Client

	mu    sync.Mutex
	cache map[uint64]*Map
}

// NewLoader returns a Loader reading local maps from fs.
func NewLoader(logger logrus.FieldLogger, fs afero.Fs) *Loader {
	return &Loader{
		logger: logger,
		fs:     fs,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  make(map[uint64]*Map),
	}
}

// Load fetches and parses the map at mapURL.
func (l *Loader) Load(ctx context.Context, mapURL string) (*Map, error) {
	if strings.HasPrefix(mapURL, "data:") {
		return ParseData(mapURL)
	}

	data, err := l.fetch(ctx, mapURL)
	if err != nil {
		return nil, err
	}

	key := highwayhash.Sum64(append([]byte(mapURL+"\x00"), data...), hashKey)
	l.mu.Lock()
	cached := l.cache[key]
	l.mu.Unlock()
	if cached != nil {
		l.logger.WithField("url", mapURL).Debug("Reusing parsed source map")
		return cached, nil
	}

	m, err := Parse(mapURL, data)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[key] = m
	l.mu.Unlock()
	return m, nil
}

// FetchContent retrieves the raw text behind a source URL, used for original
// sources whose content is not embedded in their map.
func (l *Loader) FetchContent(ctx context.Context, sourceURL string) (string, error) {
	data, err := l.fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	l.logger.WithField("url", rawURL).Debug("Fetching...")

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return l.fetchRemote(ctx, rawURL)
	case "file":
		path := u.Path
		if vol := filepath.VolumeName(strings.TrimPrefix(path, "/")); vol != "" {
			path = strings.TrimPrefix(path, "/")
		}
		return afero.ReadFile(l.fs, filepath.FromSlash(path))
	case "":
		return afero.ReadFile(l.fs, filepath.FromSlash(rawURL))
	default:
		return nil, fmt.Errorf("unsupported scheme %q for %q", u.Scheme, rawURL)
	}
}

func (l *Loader) fetchRemote(ctx context.Context, u string) ([]byte, error) {
	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wrong status code (%d) for: %s", res.StatusCode, u)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"url": u,
		"t":   time.Since(startTime),
		"len": len(data),
	}).Debug("Fetched!")
	return data, nil
}
