package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/softwared/appliance"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/update"
	"gopkg.in/ini.v1"
)

const (
	latestUpdateEndpoint = "/updates/%s/latest"

	defaultCheckTimeout  = time.Minute
	defaultClientVersion = "1.0.0"
	maxMetadataSize      = 1 << 20

	headerAPIKey        = "X-API-Key"
	headerHardwareID    = "X-Hardware-ID"
	headerClientVersion = "X-Image-Store-Client-Version"
)

// IdentityStore provides the installed appliance identity.
type IdentityStore interface {
	Identity() (appliance.Identity, error)
}

// ArtifactCache hands out artifact paths for updates.
type ArtifactCache interface {
	EntryFor(t update.Type, version string) (string, error)
}

// ProgressReporter starts local progress transactions.
type ProgressReporter interface {
	StartLocalTransaction() *progress.Transaction
}

type ImageStoreConfig struct {
	Name     string
	Endpoint string
	// APIKey authenticates this device against the image store.
	APIKey string
	// PlatformKeyFile is an INI file holding the platform wide apiKey.
	PlatformKeyFile string
	ClientVersion   string
	CheckTimeout    time.Duration
	Identity        IdentityStore
	Cache           ArtifactCache
	Progress        ProgressReporter
	Client          *http.Client
	Logger          Logger
}

// ImageStore is a source backed by an HTTP image store.
type ImageStore struct {
	Base

	name            string
	endpoint        string
	apiKey          string
	platformKeyFile string
	clientVersion   string
	checkTimeout    time.Duration
	identity        IdentityStore
	cache           ArtifactCache
	progress        ProgressReporter
	client          *http.Client
	log             Logger

	platformKeyMtx sync.Mutex
	platformKey    string

	ctx    context.Context
	cancel context.CancelFunc
}

// Compile time check for protocol compatibility
var _ Source = (*ImageStore)(nil)

func NewImageStore(config *ImageStoreConfig) (*ImageStore, error) {
	if config.Endpoint == "" {
		return nil, errors.Errorf("image store %s has no endpoint", config.Name)
	}

	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, errors.Errorf("image store %s has an invalid endpoint: %v", config.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &ImageStore{
		name:            config.Name,
		endpoint:        strings.TrimSuffix(config.Endpoint, "/"),
		apiKey:          config.APIKey,
		platformKeyFile: config.PlatformKeyFile,
		clientVersion:   config.ClientVersion,
		checkTimeout:    config.CheckTimeout,
		identity:        config.Identity,
		cache:           config.Cache,
		progress:        config.Progress,
		client:          config.Client,
		log:             config.Logger,
		ctx:             ctx,
		cancel:          cancel,
	}

	if s.name == "" {
		s.name = "imagestore"
	}

	if s.clientVersion == "" {
		s.clientVersion = defaultClientVersion
	}

	if s.checkTimeout == 0 {
		s.checkTimeout = defaultCheckTimeout
	}

	if s.client == nil {
		s.client = http.DefaultClient
	}

	if s.log == nil {
		s.log = noopLogger{}
	}

	return s, nil
}

func (s *ImageStore) Name() string {
	return s.name
}

// Close aborts running requests.
func (s *ImageStore) Close() {
	s.cancel()
}

func (s *ImageStore) CheckForUpdates(preferred update.Type) *operation.Operation {
	return operation.New("check "+s.name, func(op *operation.Operation) {
		go s.check(op, preferred)
	}).Start()
}

func (s *ImageStore) latestURL(identity appliance.Identity, withFromVersion bool) string {
	query := url.Values{}
	if withFromVersion {
		query.Set("from_version", identity.Version)
	}
	query.Set("device_id", identity.HardwareID)

	return s.endpoint + fmt.Sprintf(latestUpdateEndpoint, url.PathEscape(identity.QualifiedName())) + "?" + query.Encode()
}

func (s *ImageStore) check(op *operation.Operation, preferred update.Type) {
	identity, err := s.identity.Identity()
	if err != nil {
		op.SetFinishedWithError(operation.FailedRequest, "could not read appliance identity: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.checkTimeout)
	defer cancel()

	target := s.latestURL(identity, preferred != update.Recovery)

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, target, nil)
	if err != nil {
		op.SetFinishedWithError(operation.FailedRequest, "could not build request: %v", err)
		return
	}

	s.setupRequestHeaders(req, identity)

	s.log.Debugf("Checking %s for %s updates", target, preferred)

	resp, err := s.client.Do(req)
	if err != nil {
		s.SetUpdate(update.SystemUpdate{})
		op.SetFinishedWithError(operation.FailedRequest, "image store request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		s.log.Warnf("Image store %s knows no update for %s", s.name, identity.QualifiedName())
		s.SetUpdate(update.SystemUpdate{})
		op.SetFinished()
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.SetUpdate(update.SystemUpdate{})
		op.SetFinishedWithError(operation.FailedRequest, "image store returned %s", resp.Status)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		op.SetFinishedWithError(operation.FailedRequest, "could not read update metadata: %v", err)
		return
	}

	u, err := update.FromJSON(body)
	if err != nil {
		op.SetFinishedWithError(operation.FailedRequest, "%v", err)
		return
	}

	if update.IsNewer(u.Version, identity.Version) {
		s.log.Infof("Image store %s offers %s", s.name, u)
		s.SetUpdate(u)
	} else {
		s.log.Debugf("Image store %s offers %s, installed is %s", s.name, u, identity.Version)
	}

	op.SetFinished()
}

func (s *ImageStore) DownloadAvailableUpdate() *operation.Operation {
	metadata := s.UpdateMetadata()
	if !metadata.IsValid() {
		return operation.Failure(operation.BadRequest,
			"the update source has invalid metadata, did you check for available updates first?")
	}

	identity, err := s.identity.Identity()
	if err != nil {
		return operation.Failure(operation.FailedRequest, "could not read appliance identity: %v", err)
	}

	path, err := s.cache.EntryFor(metadata.Type, metadata.Version)
	if err != nil {
		return operation.Failure(operation.FailedRequest, "%v", err)
	}

	if _, err := os.Stat(path); err == nil {
		s.log.Debugf("A potential cache entry already exists at %s", path)

		checksum, err := fileChecksum(path)
		if err == nil && strings.EqualFold(checksum, metadata.Checksum) {
			s.log.Infof("Cached artifact %s matches its checksum, skipping download", path)
			return operation.Success(path)
		}

		s.log.Warnf("Cached artifact %s does not match its checksum, removing it", path)

		if err := os.Remove(path); err != nil {
			return operation.Failure(operation.FailedRequest, "could not remove stale artifact: %v", err)
		}
	}

	target := s.latestURL(identity, metadata.Type == update.Incremental)

	return operation.New("download "+s.name, func(op *operation.Operation) {
		go s.fetch(op, target, identity, path, metadata)
	}).Start()
}

func (s *ImageStore) fetch(op *operation.Operation, target string, identity appliance.Identity,
	path string, metadata update.SystemUpdate) {

	tx := s.progress.StartLocalTransaction()

	err := s.download(tx, target, identity, path, metadata)

	tx.Finished()

	if err != nil {
		op.Fail(err)
		return
	}

	op.SetResult(path)
	op.SetFinished()
}

func (s *ImageStore) download(tx *progress.Transaction, target string, identity appliance.Identity,
	path string, metadata update.SystemUpdate) error {

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, target, nil)
	if err != nil {
		return operation.Errorf(operation.DownloadError, "could not build request: %v", err)
	}

	s.setupRequestHeaders(req, identity)

	s.log.Infof("Downloading %s to %s", metadata, path)

	resp, err := s.client.Do(req)
	if err != nil {
		return operation.Errorf(operation.DownloadError, "download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return operation.Errorf(operation.DownloadError, "image store returned %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return operation.Errorf(operation.FailedRequest, "could not create cache file: %v", err)
	}

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	total := resp.ContentLength
	if total <= 0 {
		total = metadata.DownloadSize
	}

	hash := sha1.New()
	counter := newProgressWriter(total, tx.SetProgress)

	if _, err := io.Copy(io.MultiWriter(tmp, hash, counter), resp.Body); err != nil {
		return operation.Errorf(operation.DownloadError, "download interrupted: %v", err)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(checksum, metadata.Checksum) {
		return operation.Errorf(operation.ChecksumMismatch,
			"artifact checksum %s does not match expected %s", checksum, metadata.Checksum)
	}

	if err := tmp.Sync(); err != nil {
		return operation.Errorf(operation.FailedRequest, "could not flush artifact: %v", err)
	}

	if err := tmp.Close(); err != nil {
		return operation.Errorf(operation.FailedRequest, "could not close artifact: %v", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return operation.Errorf(operation.FailedRequest, "could not store artifact: %v", err)
	}

	committed = true

	s.log.Infof("Downloaded %s", metadata)

	return nil
}

func (s *ImageStore) setupRequestHeaders(req *http.Request, identity appliance.Identity) {
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set(headerAPIKey, s.platformAPIKey())
	req.Header.Set(headerHardwareID, identity.HardwareID)
	req.Header.Set(headerClientVersion, s.clientVersion)
}

// platformAPIKey reads the platform key once it becomes available.
func (s *ImageStore) platformAPIKey() string {
	s.platformKeyMtx.Lock()
	defer s.platformKeyMtx.Unlock()

	if s.platformKey != "" || s.platformKeyFile == "" {
		return s.platformKey
	}

	f, err := ini.LooseLoad(s.platformKeyFile)
	if err != nil {
		s.log.Warnf("Could not read platform key from %s: %v", s.platformKeyFile, err)
		return ""
	}

	s.platformKey = f.Section("").Key("apiKey").String()

	return s.platformKey
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha1.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// progressWriter counts bytes and reports whole percent steps.
type progressWriter struct {
	total   int64
	written int64
	last    int
	started time.Time
	report  func(percent int, rate int)
}

func newProgressWriter(total int64, report func(int, int)) *progressWriter {
	return &progressWriter{
		total:   total,
		last:    -1,
		started: time.Now(),
		report:  report,
	}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))

	if w.total <= 0 {
		return len(p), nil
	}

	percent := int(w.written * 100 / w.total)
	if percent > 100 {
		percent = 100
	}

	if percent != w.last {
		w.last = percent

		rate := -1
		if elapsed := time.Since(w.started).Seconds(); elapsed > 0 {
			rate = int(float64(w.written) / elapsed)
		}

		w.report(percent, rate)
	}

	return len(p), nil
}
