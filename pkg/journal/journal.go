package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nainya/docsplit/internal/logger"
	"github.com/nainya/docsplit/pkg/annotation"
)

// Journal records which processing sessions were submitted and which were
// finished, so in-flight sessions survive a restart.
type Journal struct {
	path string

	// mu protects everything below
	mu     sync.Mutex
	fd     *os.File
	lsn    uint64
	size   int64
	closed bool

	log *logger.Logger
	now func() time.Time
}

// Submitted is a session that was accepted but not yet finished.
type Submitted struct {
	LSN         uint64              `json:"-"`
	SessionID   string              `json:"-"`
	DocumentID  string              `json:"document_id"`
	Snapshot    annotation.Snapshot `json:"snapshot"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

type finished struct {
	Status string `json:"status"`
}

// Open opens or creates the journal at path. A damaged tail left by a crash
// is cut off.
func Open(path string, log *logger.Logger) (*Journal, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	j := &Journal{path: path, fd: fd, log: log, now: time.Now}
	if err := j.recoverTail(); err != nil {
		fd.Close()
		return nil, err
	}
	return j, nil
}

// recoverTail scans the file for the highest LSN and truncates anything
// after the last intact record.
func (j *Journal) recoverTail() error {
	start := time.Now()
	rd := bufio.NewReader(io.NewSectionReader(j.fd, 0, 1<<62))

	var good int64
	var count int
	for {
		rec, err := readRecord(rd)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrTruncated) || errors.Is(err, ErrCorrupted) {
			j.log.StoreLogger("journal_recover").Warn("discarding damaged journal tail").
				Int64("offset", good).Err(err).Send()
			if err := j.fd.Truncate(good); err != nil {
				return fmt.Errorf("journal: truncate damaged tail: %w", err)
			}
			break
		}
		if err != nil {
			return err
		}
		good += int64(rec.Size())
		count++
		if rec.LSN > j.lsn {
			j.lsn = rec.LSN
		}
	}
	j.size = good
	j.log.LogStoreOperation("journal_recover", time.Since(start), count, nil)
	return nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// LastLSN returns the highest log sequence number written.
func (j *Journal) LastLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lsn
}

// AppendSubmitted records an accepted session with its snapshot.
func (j *Journal) AppendSubmitted(sessionID string, snap annotation.Snapshot) (uint64, error) {
	return j.append(RecordSubmitted, sessionID, Submitted{
		DocumentID:  snap.DocumentID,
		Snapshot:    snap,
		SubmittedAt: j.now(),
	})
}

// AppendFinished records that a session's terminal result was folded back.
func (j *Journal) AppendFinished(sessionID, status string) (uint64, error) {
	return j.append(RecordFinished, sessionID, finished{Status: status})
}

func (j *Journal) append(typ RecordType, sessionID string, payload interface{}) (uint64, error) {
	if sessionID == "" {
		return 0, ErrEmptySessionID
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("journal: encode payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	rec := Record{
		LSN:       j.lsn + 1,
		Type:      typ,
		Key:       []byte(sessionID),
		Value:     value,
		Timestamp: j.now(),
	}
	data := rec.Encode()
	n, err := j.fd.Write(data)
	if err != nil {
		return 0, err
	}
	if err := j.fd.Sync(); err != nil {
		return 0, err
	}
	j.size += int64(n)
	j.lsn = rec.LSN
	return rec.LSN, nil
}

func (j *Journal) readAllNoLock() ([]*Record, error) {
	rd := bufio.NewReader(io.NewSectionReader(j.fd, 0, j.size))
	var out []*Record
	for {
		rec, err := readRecord(rd)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Pending returns submitted sessions with no finished record, oldest first.
func (j *Journal) Pending() ([]Submitted, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}
	return j.pendingNoLock()
}

func (j *Journal) pendingNoLock() ([]Submitted, error) {
	records, err := j.readAllNoLock()
	if err != nil {
		return nil, err
	}

	open := make(map[string]Submitted)
	for _, rec := range records {
		id := string(rec.Key)
		switch rec.Type {
		case RecordSubmitted:
			var sub Submitted
			if err := json.Unmarshal(rec.Value, &sub); err != nil {
				return nil, fmt.Errorf("journal: decode LSN %d: %w", rec.LSN, err)
			}
			sub.LSN = rec.LSN
			sub.SessionID = id
			open[id] = sub
		case RecordFinished:
			delete(open, id)
		}
	}

	out := make([]Submitted, 0, len(open))
	for _, sub := range open {
		out = append(out, sub)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LSN < out[b].LSN })
	return out, nil
}

// Compact rewrites the journal keeping only pending submissions.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	start := time.Now()

	pending, err := j.pendingNoLock()
	if err != nil {
		return err
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	var size int64
	for _, sub := range pending {
		value, err := json.Marshal(sub)
		if err != nil {
			tmp.Close()
			return err
		}
		rec := Record{LSN: sub.LSN, Type: RecordSubmitted, Key: []byte(sub.SessionID), Value: value, Timestamp: sub.SubmittedAt}
		n, err := tmp.Write(rec.Encode())
		if err != nil {
			tmp.Close()
			return err
		}
		size += int64(n)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// the old descriptor stays valid until the compacted file is in place
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("journal: compact: %w", err)
	}
	fd, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		j.fd.Close()
		j.closed = true
		return fmt.Errorf("journal: reopen after compact: %w", err)
	}
	old := j.fd
	j.fd = fd
	j.size = size
	if err := old.Close(); err != nil {
		j.log.Warn("closing pre-compaction journal").Err(err).Send()
	}

	j.log.LogStoreOperation("journal_compact", time.Since(start), len(pending), nil)
	return nil
}

// Close closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.fd.Close()
}
