package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// RotatingFileConfig configures a RotatingFile transport.
type RotatingFileConfig struct {
	FileTemplate  string        // e.g. "/var/log/llm-flow/entries-%s.jsonl"
	MaxSize       int64         // bytes before rotation
	MaxFiles      int           // rotated files to keep
	BufferSize    int           // entries queued before Send starts dropping
	FlushInterval time.Duration // flush the write buffer this often
}

// RotatingFile writes entries as JSON lines asynchronously, rotating by
// size and keeping at most MaxFiles files. Entries sent while the buffer
// is full are dropped and counted as failures.
type RotatingFile struct {
	fileTemplate  string
	maxSize       int64
	maxFiles      int
	flushInterval time.Duration

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	entryCh chan *models.LogEntry
	doneCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
	logger  *utils.Logger
}

// NewRotatingFile opens the first file and starts the writer goroutine.
func NewRotatingFile(cfg RotatingFileConfig) (*RotatingFile, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}

	rf := &RotatingFile{
		fileTemplate:  cfg.FileTemplate,
		maxSize:       cfg.MaxSize,
		maxFiles:      cfg.MaxFiles,
		flushInterval: cfg.FlushInterval,
		entryCh:       make(chan *models.LogEntry, cfg.BufferSize),
		doneCh:        make(chan struct{}),
		logger:        utils.NewLogger("rotating-file-transport"),
	}

	if err := rf.openFile(); err != nil {
		return nil, err
	}

	rf.wg.Add(1)
	go rf.run()

	return rf, nil
}

func (rf *RotatingFile) Name() string { return "rotating_file" }

// Send queues the entry for writing.
func (rf *RotatingFile) Send(ctx context.Context, entry *models.LogEntry) {
	rf.mu.Lock()
	closed := rf.closed
	rf.mu.Unlock()
	if closed {
		report(rf.logger, rf.Name(), entry, fmt.Errorf("transport is shut down"))
		return
	}

	select {
	case rf.entryCh <- entry:
		metrics.TransportSendsTotal.WithLabelValues(rf.Name()).Inc()
	default:
		report(rf.logger, rf.Name(), entry, fmt.Errorf("buffer full, entry dropped"))
	}
}

// CurrentFile returns the path of the active file.
func (rf *RotatingFile) CurrentFile() string {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentFile
}

// newFileName applies a timestamp with nanoseconds to the template so
// rotations within the same second get distinct names.
func (rf *RotatingFile) newFileName() string {
	now := time.Now()
	return fmt.Sprintf(rf.fileTemplate, fmt.Sprintf("%s-%09d", now.Format("20060102150405"), now.Nanosecond()))
}

func (rf *RotatingFile) openFile() error {
	rf.currentFile = rf.newFileName()
	if err := ensureDir(filepath.Dir(rf.currentFile)); err != nil {
		return err
	}

	file, err := os.OpenFile(rf.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	rf.currentSize = fi.Size()
	rf.file = file
	rf.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded opens a new file when n more bytes would exceed maxSize.
func (rf *RotatingFile) rotateIfNeeded(n int) (bool, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.maxSize <= 0 || rf.currentSize == 0 || rf.currentSize+int64(n) < rf.maxSize {
		return false, nil
	}

	if err := rf.writer.Flush(); err != nil {
		return false, err
	}
	if err := rf.file.Close(); err != nil {
		return false, err
	}
	return true, rf.openFile()
}

// cleanupOldFiles removes the oldest files beyond maxFiles.
func (rf *RotatingFile) cleanupOldFiles() error {
	matches, err := filepath.Glob(fmt.Sprintf(rf.fileTemplate, "*"))
	if err != nil {
		return err
	}

	// Names embed a sortable timestamp.
	sort.Strings(matches)

	excess := len(matches) - rf.maxFiles
	for i := 0; i < excess; i++ {
		if matches[i] == rf.CurrentFile() {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

func (rf *RotatingFile) run() {
	defer rf.wg.Done()
	ticker := time.NewTicker(rf.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-rf.entryCh:
			rf.writeEntry(entry)
		case <-ticker.C:
			rf.mu.Lock()
			_ = rf.writer.Flush()
			rf.mu.Unlock()
		case <-rf.doneCh:
			for {
				select {
				case entry := <-rf.entryCh:
					rf.writeEntry(entry)
				default:
					rf.mu.Lock()
					_ = rf.writer.Flush()
					_ = rf.file.Close()
					rf.mu.Unlock()
					return
				}
			}
		}
	}
}

func (rf *RotatingFile) writeEntry(entry *models.LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		report(rf.logger, rf.Name(), entry, err)
		return
	}
	line := append(data, '\n')

	rotated, err := rf.rotateIfNeeded(len(line))
	if err != nil {
		rf.logger.Error("Failed to rotate log file", "error", err)
	}

	rf.mu.Lock()
	_, err = rf.writer.Write(line)
	rf.currentSize += int64(len(line))
	rf.mu.Unlock()
	if err != nil {
		metrics.TransportFailuresTotal.WithLabelValues(rf.Name()).Inc()
		rf.logger.Error("Failed to write log entry", "request_id", entry.RequestID, "error", err)
	}

	if rotated {
		if err := rf.cleanupOldFiles(); err != nil {
			rf.logger.Warn("Failed to clean up rotated files", "error", err)
		}
	}
}

// Shutdown drains queued entries, flushes and closes the file.
func (rf *RotatingFile) Shutdown() {
	rf.mu.Lock()
	if rf.closed {
		rf.mu.Unlock()
		return
	}
	rf.closed = true
	rf.mu.Unlock()

	close(rf.doneCh)
	rf.wg.Wait()
}
