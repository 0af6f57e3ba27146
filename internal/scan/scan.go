// SPDX-License-Identifier: MIT

// Package scan turns filesystem state into entity records. A scan runs in
// two phases: phase 1 lists the immediate subdirectories of a library root
// and enqueues one directory-scan job per subdirectory; phase 2 handlers
// pick the main video file, upsert the entity and hand the directory to
// asset discovery. Progress lands on the scan_jobs row atomically so many
// workers can report in parallel.
package scan

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mediacurator/curator/internal/bus"
	"github.com/mediacurator/curator/internal/discovery"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/hash"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/queue"
	"github.com/mediacurator/curator/internal/store"
)

// Payload keys used by the scan job types.
const (
	payloadScanID    = "scan_id"
	payloadLibraryID = "library_id"
	payloadDir       = "dir"
)

// ProgressEvent is published on the scan.progress topic after every
// directory and on terminal transitions.
type ProgressEvent struct {
	ScanID     string
	LibraryID  int64
	Status     string
	Total      int
	Processed  int
	Discovered int
	Updated    int
	Queued     int
	Errored    int
}

// Prober fills the technical stream rows for a scanned entity.
type Prober interface {
	ProbeAndStore(ctx context.Context, ref store.EntityRef, path string) error
}

// Service runs library scans.
type Service struct {
	store  *store.Store
	queue  queue.Enqueuer
	disc   *discovery.Service
	hash   *hash.Service
	bus    bus.Bus
	prober Prober
}

// New wires a scan service.
func New(st *store.Store, q queue.Enqueuer, disc *discovery.Service, b bus.Bus) *Service {
	return &Service{store: st, queue: q, disc: disc, hash: hash.NewService(), bus: b}
}

// UseProber attaches a media prober; scanned entities then get their
// stream rows refreshed in place.
func (s *Service) UseProber(p Prober) { s.prober = p }

// SetQuickHashThreshold sets the file size above which scans use the
// sampled quick hash instead of a full sha256. Non-positive keeps the
// hash service default.
func (s *Service) SetQuickHashThreshold(n int64) {
	if n > 0 {
		s.hash.QuickThreshold = n
	}
}

// Start begins a scan of the library: persists the scan_jobs row with the
// directory total and enqueues one directory-scan job per subdirectory.
// Returns the scan id. An empty root completes immediately.
func (s *Service) Start(ctx context.Context, libraryID int64) (string, error) {
	lib, err := s.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return "", err
	}
	if lib == nil {
		return "", errdef.New(errdef.CodeNotFound, "library %d", libraryID)
	}

	entries, err := os.ReadDir(lib.Path)
	if err != nil {
		return "", errdef.Wrap(errdef.CodeFSNotFound, err, "library root %s", lib.Path)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(lib.Path, e.Name()))
		}
	}

	scanID := uuid.NewString()
	if err := s.store.CreateScanJob(ctx, scanID, libraryID, len(dirs)); err != nil {
		return "", err
	}
	logger := log.WithComponentFromContext(ctx, "scan")
	logger.Info().Str("scan_id", scanID).Str("root", lib.Path).
		Int("dirs", len(dirs)).Msg("scan started")

	if len(dirs) == 0 {
		if err := s.store.FinishScanJob(ctx, scanID, store.ScanCompleted); err != nil {
			return "", err
		}
		s.publishProgress(ctx, scanID)
		return scanID, nil
	}

	for _, dir := range dirs {
		// Cancellation between enqueues: a cancelled scan queues no further
		// directory jobs.
		sj, err := s.store.GetScanJob(ctx, scanID)
		if err != nil {
			return scanID, err
		}
		if sj == nil || sj.Status != store.ScanRunning {
			break
		}
		_, err = s.queue.Enqueue(ctx, &queue.Job{
			Type:     queue.TypeDirectoryScan,
			Priority: queue.PriorityNormal,
			Payload: map[string]any{
				payloadScanID:    scanID,
				payloadLibraryID: libraryID,
				payloadDir:       dir,
			},
		})
		if err != nil {
			return scanID, err
		}
	}
	s.publishProgress(ctx, scanID)
	return scanID, nil
}

// Cancel flags a running scan cancelled. Already-claimed directory jobs
// short-circuit on their next checkpoint; counts reflect only work actually
// performed.
func (s *Service) Cancel(ctx context.Context, scanID string) (bool, error) {
	cancelled, err := s.store.CancelScanJob(ctx, scanID)
	if err != nil {
		return false, err
	}
	if cancelled {
		logger := log.WithComponentFromContext(ctx, "scan")
		logger.Info().
			Str("scan_id", scanID).Msg("scan cancelled")
		s.publishProgress(ctx, scanID)
	}
	return cancelled, nil
}

// HandleScanLibrary is the scan-library job handler: it runs phase 1 for
// the library named in the payload.
func (s *Service) HandleScanLibrary(ctx context.Context, job *queue.Job) error {
	libraryID, ok := payloadInt(job.Payload, payloadLibraryID)
	if !ok {
		return errdef.New(errdef.CodeValidation, "scan-library payload missing library_id")
	}
	_, err := s.Start(ctx, libraryID)
	return err
}

// HandleDirectoryScan is the directory-scan job handler: phase 2 for one
// subdirectory. Per-directory failures are accounted on the scan job and do
// not fail the queue job; other directories continue.
func (s *Service) HandleDirectoryScan(ctx context.Context, job *queue.Job) error {
	scanID, _ := job.Payload[payloadScanID].(string)
	libraryID, okLib := payloadInt(job.Payload, payloadLibraryID)
	dir, _ := job.Payload[payloadDir].(string)
	if scanID == "" || !okLib || dir == "" {
		return errdef.New(errdef.CodeValidation, "directory-scan payload incomplete")
	}

	sj, err := s.store.GetScanJob(ctx, scanID)
	if err != nil {
		return err
	}
	if sj == nil {
		return errdef.New(errdef.CodeNotFound, "scan %s", scanID)
	}
	if sj.Status != store.ScanRunning {
		// Cancelled while queued: short-circuit without touching counts.
		return nil
	}

	lib, err := s.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if lib == nil {
		return errdef.New(errdef.CodeNotFound, "library %d", libraryID)
	}

	delta := s.scanDirectory(ctx, lib, dir)
	if err := s.store.BumpScanJob(ctx, scanID, delta); err != nil {
		return err
	}
	s.publishProgress(ctx, scanID)
	return s.finishIfDone(ctx, scanID)
}

// scanDirectory processes one subdirectory and returns its progress delta.
func (s *Service) scanDirectory(ctx context.Context, lib *store.Library, dir string) store.ScanProgress {
	delta := store.ScanProgress{Processed: 1}
	logger := log.WithComponentFromContext(ctx, "scan")

	mainPath, err := mainVideoFile(dir)
	if err != nil {
		delta.Errored = 1
		delta.LastError = err.Error()
		return delta
	}
	if mainPath == "" {
		return delta // no video present, nothing to record
	}

	base := strings.TrimSuffix(filepath.Base(mainPath), filepath.Ext(mainPath))
	title, year := ParseTitleYear(base)

	fileHash, err := s.hash.FileHash(mainPath)
	if err != nil {
		logger.Warn().Str("path", mainPath).Err(err).Msg("file hash failed")
	}

	res, err := s.store.UpsertEntity(ctx, &store.Entity{
		Ref:       store.EntityRef{Type: store.EntityMovie},
		LibraryID: lib.ID,
		Path:      mainPath,
		Title:     title,
		Year:      year,
		FileHash:  fileHash,
		Monitored: true,
	})
	if err != nil {
		delta.Errored = 1
		delta.LastError = err.Error()
		return delta
	}
	if res.Created {
		delta.Discovered = 1
	} else {
		delta.Updated = 1
	}

	if s.prober != nil {
		if err := s.prober.ProbeAndStore(ctx, res.Ref, mainPath); err != nil {
			logger.Warn().Str("path", mainPath).Err(err).Msg("probe failed")
		}
	}

	if disc, err := s.disc.Discover(ctx, res.Ref, mainPath); err != nil {
		delta.Errored = 1
		delta.LastError = err.Error()
	} else if disc.Errors > 0 {
		delta.Errored = 1
	}

	if lib.AutoEnrich {
		_, err := s.queue.Enqueue(ctx, &queue.Job{
			Type:     queue.TypeEnrichMetadata,
			Priority: queue.PriorityNormal,
			Payload: map[string]any{
				"entity_type": string(res.Ref.Type),
				"entity_id":   res.Ref.ID,
			},
		})
		if err != nil {
			delta.Errored = 1
			delta.LastError = err.Error()
		} else {
			delta.Queued = 1
		}
	}
	return delta
}

// HandleScheduledFileScan rescans a single directory outside any scan job;
// the watcher enqueues these when library content changes.
func (s *Service) HandleScheduledFileScan(ctx context.Context, job *queue.Job) error {
	libraryID, okLib := payloadInt(job.Payload, payloadLibraryID)
	dir, _ := job.Payload[payloadDir].(string)
	if !okLib || dir == "" {
		return errdef.New(errdef.CodeValidation, "scheduled-file-scan payload incomplete")
	}
	lib, err := s.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if lib == nil {
		return errdef.New(errdef.CodeNotFound, "library %d", libraryID)
	}

	delta := s.scanDirectory(ctx, lib, dir)
	if delta.LastError != "" {
		return errdef.New(errdef.CodeProcess, "rescan %s: %s", dir, delta.LastError)
	}
	logger := log.WithComponentFromContext(ctx, "scan")
	logger.Debug().
		Str("dir", dir).Int("discovered", delta.Discovered).
		Int("updated", delta.Updated).Msg("directory rescanned")
	return nil
}

// finishIfDone completes the scan once every directory job has terminated.
// A cancelled scan is already terminal and stays cancelled.
func (s *Service) finishIfDone(ctx context.Context, scanID string) error {
	sj, err := s.store.GetScanJob(ctx, scanID)
	if err != nil {
		return err
	}
	if sj == nil || sj.Status != store.ScanRunning || sj.ProcessedDirs < sj.TotalDirs {
		return nil
	}
	if err := s.store.FinishScanJob(ctx, scanID, store.ScanCompleted); err != nil {
		return err
	}
	logger := log.WithComponentFromContext(ctx, "scan")
	logger.Info().
		Str("scan_id", scanID).Int("dirs", sj.TotalDirs).
		Int("discovered", sj.Discovered).Msg("scan completed")
	s.publishProgress(ctx, scanID)
	return nil
}

func (s *Service) publishProgress(ctx context.Context, scanID string) {
	if s.bus == nil {
		return
	}
	sj, err := s.store.GetScanJob(ctx, scanID)
	if err != nil || sj == nil {
		return
	}
	s.bus.Publish(bus.TopicScanProgress, ProgressEvent{
		ScanID:     sj.ID,
		LibraryID:  sj.LibraryID,
		Status:     sj.Status,
		Total:      sj.TotalDirs,
		Processed:  sj.ProcessedDirs,
		Discovered: sj.Discovered,
		Updated:    sj.Updated,
		Queued:     sj.Queued,
		Errored:    sj.Errored,
	})
}

// mainVideoFile picks the largest file with a recognized video extension,
// or "" when the directory holds none.
func mainVideoFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestSize int64 = -1
	for _, e := range entries {
		if e.IsDir() || !discovery.IsVideo(filepath.Ext(e.Name())) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.Contains(strings.ToLower(base), "trailer") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = filepath.Join(dir, e.Name())
			bestSize = info.Size()
		}
	}
	return best, nil
}

var titleYear = regexp.MustCompile(`^(.*?)[ ._]*[\(\[](\d{4})[\)\]]\s*$`)

// ParseTitleYear extracts the title and release year from a basename with a
// trailing (YYYY) or [YYYY] token. Without one the whole basename is the
// title and the year is zero.
func ParseTitleYear(base string) (string, int) {
	m := titleYear.FindStringSubmatch(base)
	if m == nil {
		return strings.TrimSpace(base), 0
	}
	year, _ := strconv.Atoi(m[2])
	title := strings.TrimSpace(m[1])
	if title == "" {
		title = strings.TrimSpace(base)
	}
	return title, year
}

// payloadInt reads an integer payload value; JSON round trips deliver
// float64, in-memory stores keep the native type.
func payloadInt(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}
