package seglog

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	errInvalidMagic    = errors.New("seglog: invalid magic bytes")
	errChecksumInvalid = errors.New("seglog: segment checksum mismatch")

	// ErrLocked indicates another writer already owns the directory.
	ErrLocked = errors.New("seglog: directory is locked by another writer")
)

// File format constants.
const (
	FilePrefix      = "seg-"
	FileExtension   = ".log"
	LockFileName    = "LOCK"
	MagicBytes      = "KBOXLOG\x01"
	MagicBytesSize  = 8
	ChecksumSize    = 32
	DefaultFilePerm = 0600
	DefaultDirPerm  = 0750
)

// Default configuration values.
const (
	DefaultBatchCount        = 100
	DefaultBatchBytes  int64 = 1 << 20 // 1MB
	DefaultSyncInterval      = time.Second
	DefaultMaxFileSize int64 = 64 << 20 // 64MB
)

// SyncMode defines how the log syncs to disk.
type SyncMode string

const (
	// SyncModeSync flushes and fsyncs after every append.
	SyncModeSync SyncMode = "sync"

	// SyncModeBatch buffers appends and flushes on thresholds or a timer.
	SyncModeBatch SyncMode = "batch"
)

// Config configures the segment log writer.
type Config struct {
	Dir string

	SyncMode     SyncMode
	SyncInterval time.Duration

	BatchCount int
	BatchBytes int64

	MaxFileSize int64
}

// DefaultConfig returns the default segment log configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		SyncMode:     SyncModeSync,
		SyncInterval: DefaultSyncInterval,
		BatchCount:   DefaultBatchCount,
		BatchBytes:   DefaultBatchBytes,
		MaxFileSize:  DefaultMaxFileSize,
	}
}

// segment ID generation; ULIDs sort lexicographically by creation time,
// which gives replay order for free.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newSegmentID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Writer appends frames to segment files.
type Writer struct {
	cfg Config

	mu sync.Mutex

	segmentID string
	file      *os.File
	filePath  string
	lockPath  string

	fileSize    int64 // bytes written excluding trailing checksum
	hash        hash.Hash
	buffer      [][]byte
	bufferBytes int64
	syncTicker  *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closed      bool
}

// NewWriter creates a writer for a namespace directory, acquiring the
// directory lock. An unfinalized segment left by a previous run is
// reopened for appending.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("seglog: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("seglog: create dir: %w", err)
	}

	applyDefaults(&cfg)

	w := &Writer{
		cfg:      cfg,
		hash:     sha256.New(),
		lockPath: filepath.Join(cfg.Dir, LockFileName),
		stopCh:   make(chan struct{}),
	}

	if err := w.acquireLock(); err != nil {
		return nil, err
	}

	latestID, latestPath, isClosed, err := findLatestSegment(cfg.Dir)
	if err != nil {
		w.releaseLock()
		return nil, err
	}

	if latestID == "" || isClosed {
		if err := w.openNewSegment(); err != nil {
			w.releaseLock()
			return nil, err
		}
	} else {
		w.segmentID = latestID
		w.filePath = latestPath
		if err := w.openExistingOpenSegment(); err != nil {
			w.releaseLock()
			return nil, err
		}
	}

	if w.cfg.SyncMode == SyncModeBatch {
		w.startSyncLoop()
	}

	return w, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeSync
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.BatchCount == 0 {
		cfg.BatchCount = DefaultBatchCount
	}
	if cfg.BatchBytes == 0 {
		cfg.BatchBytes = DefaultBatchBytes
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
}

func (w *Writer) acquireLock() error {
	f, err := os.OpenFile(w.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}
		return fmt.Errorf("seglog: acquire lock: %w", err)
	}
	return f.Close()
}

func (w *Writer) releaseLock() {
	_ = os.Remove(w.lockPath)
}

// Append writes one frame, flushing according to the sync mode.
func (w *Writer) Append(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(f)
}

// AppendBatch writes a group of frames with a single flush, so either the
// whole group reaches the medium in one pass or (on crash) a detectable
// torn tail is left behind.
func (w *Writer) AppendBatch(frames []Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("seglog: writer is closed")
	}

	for _, f := range frames {
		encoded, err := encodeFrame(f)
		if err != nil {
			return err
		}
		w.buffer = append(w.buffer, encoded)
		w.bufferBytes += int64(len(encoded))
	}
	return w.flushLocked()
}

func (w *Writer) appendLocked(f Frame) error {
	if w.closed {
		return fmt.Errorf("seglog: writer is closed")
	}

	encoded, err := encodeFrame(f)
	if err != nil {
		return err
	}

	w.buffer = append(w.buffer, encoded)
	w.bufferBytes += int64(len(encoded))

	if w.cfg.SyncMode == SyncModeSync ||
		len(w.buffer) >= w.cfg.BatchCount || w.bufferBytes >= w.cfg.BatchBytes {
		return w.flushLocked()
	}
	return nil
}

// Flush writes buffered frames to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, frame := range w.buffer {
		buf.Write(frame)
	}

	if w.file == nil {
		return fmt.Errorf("seglog: file not open")
	}

	// Rotate before writing if this batch would exceed the segment limit.
	if w.fileSize+int64(buf.Len()) > w.cfg.MaxFileSize {
		if err := w.finalizeSegmentLocked(); err != nil {
			return err
		}
		if err := w.openNewSegment(); err != nil {
			return err
		}
	}

	if _, err := w.writeLocked(buf.Bytes()); err != nil {
		return fmt.Errorf("seglog: write batch: %w", err)
	}

	w.buffer = nil
	w.bufferBytes = 0

	if w.cfg.SyncMode == SyncModeSync {
		return w.file.Sync()
	}
	return nil
}

// Rewrite compacts the log: the live set is written into a fresh segment
// and every older segment is removed. Safe against crashes at any point;
// replay of old plus new segments yields the same state as new alone.
func (w *Writer) Rewrite(live map[string][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("seglog: writer is closed")
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.finalizeSegmentLocked(); err != nil {
		return err
	}
	oldBoundary := w.segmentID

	if err := w.openNewSegment(); err != nil {
		return err
	}

	for key, value := range live {
		encoded, err := encodeFrame(Frame{Op: OpSet, Key: key, Value: value})
		if err != nil {
			return err
		}
		if _, err := w.writeLocked(encoded); err != nil {
			return fmt.Errorf("seglog: rewrite: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("seglog: rewrite sync: %w", err)
	}

	return removeSegmentsThrough(w.cfg.Dir, oldBoundary)
}

// SizeBytes returns the total on-disk size of all segments plus any
// buffered frames not yet flushed.
func (w *Writer) SizeBytes() (uint64, error) {
	w.mu.Lock()
	buffered := w.bufferBytes
	w.mu.Unlock()

	segs, err := listSegments(w.cfg.Dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, seg := range segs {
		info, err := os.Stat(seg.path)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return uint64(total + buffered), nil
}

// SegmentCount returns the number of segment files.
func (w *Writer) SegmentCount() (int, error) {
	segs, err := listSegments(w.cfg.Dir)
	if err != nil {
		return 0, err
	}
	return len(segs), nil
}

func (w *Writer) startSyncLoop() {
	w.syncTicker = time.NewTicker(w.cfg.SyncInterval)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.syncTicker.C:
				_ = w.Flush()
			case <-w.stopCh:
				return
			}
		}
	}()
}

func (w *Writer) openNewSegment() error {
	w.segmentID = newSegmentID()
	path := filepath.Join(w.cfg.Dir, formatSegmentFilename(w.segmentID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("seglog: open segment: %w", err)
	}

	w.file = file
	w.filePath = path
	w.fileSize = 0
	w.hash = sha256.New()

	if _, err := w.writeLocked([]byte(MagicBytes)); err != nil {
		file.Close()
		return err
	}
	return nil
}

func (w *Writer) openExistingOpenSegment() error {
	file, err := os.OpenFile(w.filePath, os.O_RDWR, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("seglog: open existing segment: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("seglog: stat segment: %w", err)
	}

	magic := make([]byte, MagicBytesSize)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, MagicBytesSize), magic); err != nil {
		file.Close()
		return fmt.Errorf("seglog: read magic: %w", err)
	}
	if string(magic) != MagicBytes {
		file.Close()
		return errInvalidMagic
	}

	closed, dataLen, err := verifyChecksumTrailer(file, stat.Size())
	if err != nil {
		file.Close()
		return err
	}
	if closed {
		file.Close()
		return fmt.Errorf("seglog: latest segment already finalized")
	}

	// Recompute the running hash over existing bytes.
	w.hash = sha256.New()
	if _, err := io.CopyN(w.hash, io.NewSectionReader(file, 0, dataLen), dataLen); err != nil {
		file.Close()
		return fmt.Errorf("seglog: hash existing segment: %w", err)
	}

	w.file = file
	w.fileSize = dataLen

	if _, err := file.Seek(dataLen, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("seglog: seek: %w", err)
	}
	return nil
}

func (w *Writer) writeLocked(p []byte) (int, error) {
	if w.file == nil {
		return 0, fmt.Errorf("seglog: file not open")
	}

	n, err := w.file.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.fileSize += int64(n)
	}
	return n, err
}

func (w *Writer) finalizeSegmentLocked() error {
	if w.file == nil {
		return nil
	}

	checksum := w.hash.Sum(nil)
	if _, err := w.file.Write(checksum); err != nil {
		return fmt.Errorf("seglog: write checksum: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("seglog: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("seglog: close: %w", err)
	}

	w.file = nil
	return nil
}

// Close flushes pending frames, finalizes the current segment with a
// checksum trailer, and releases the directory lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stopCh)
	w.mu.Unlock()

	if w.syncTicker != nil {
		w.syncTicker.Stop()
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.finalizeSegmentLocked(); err != nil {
		return err
	}

	w.releaseLock()
	return nil
}

func formatSegmentFilename(segmentID string) string {
	return FilePrefix + segmentID + FileExtension
}

func parseSegmentFilename(name string) (string, bool) {
	if !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileExtension) {
		return "", false
	}
	id := name[len(FilePrefix) : len(name)-len(FileExtension)]
	if _, err := ulid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

type segmentInfo struct {
	id   string
	path string
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("seglog: read dir: %w", err)
	}

	var segs []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseSegmentFilename(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, segmentInfo{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

func removeSegmentsThrough(dir, boundaryID string) error {
	segs, err := listSegments(dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, seg := range segs {
		if seg.id > boundaryID {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", seg.path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("seglog: compaction cleanup: %w", errors.Join(errs...))
	}
	return nil
}

func findLatestSegment(dir string) (latestID, latestPath string, isClosed bool, err error) {
	segs, err := listSegments(dir)
	if err != nil {
		return "", "", false, err
	}
	if len(segs) == 0 {
		return "", "", false, nil
	}

	last := segs[len(segs)-1]
	f, err := os.Open(last.path)
	if err != nil {
		return "", "", false, fmt.Errorf("seglog: open latest: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", "", false, fmt.Errorf("seglog: stat latest: %w", err)
	}

	closed, _, err := verifyChecksumTrailer(f, stat.Size())
	if err != nil && !errors.Is(err, errInvalidMagic) {
		return "", "", false, err
	}
	return last.id, last.path, closed, nil
}

func verifyChecksumTrailer(f *os.File, size int64) (closed bool, dataLen int64, err error) {
	if size < MagicBytesSize {
		return false, size, nil
	}

	magic := make([]byte, MagicBytesSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, MagicBytesSize), magic); err != nil {
		return false, 0, fmt.Errorf("seglog: read magic: %w", err)
	}
	if string(magic) != MagicBytes {
		return false, 0, errInvalidMagic
	}

	if size < MagicBytesSize+ChecksumSize {
		return false, size, nil
	}

	trailer := make([]byte, ChecksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, size-ChecksumSize, ChecksumSize), trailer); err != nil {
		return false, 0, fmt.Errorf("seglog: read checksum trailer: %w", err)
	}

	h := sha256.New()
	dataLen = size - ChecksumSize
	if _, err := io.CopyN(h, io.NewSectionReader(f, 0, dataLen), dataLen); err != nil {
		return false, 0, fmt.Errorf("seglog: hash: %w", err)
	}
	if !bytes.Equal(h.Sum(nil), trailer) {
		return false, size, nil
	}
	return true, dataLen, nil
}
