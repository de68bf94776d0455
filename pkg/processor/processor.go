// ABOUTME: In-process processing backend that rasterizes and splits documents
// ABOUTME: Burns redactions, applies rotations, drops deleted pages, one output per segment

package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/docsplit/internal/logger"
	"github.com/nainya/docsplit/internal/metrics"
	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/coords"
	"github.com/nainya/docsplit/pkg/manipulation"
	"github.com/nainya/docsplit/pkg/session"
)

// Raw statuses reported to the tracker.
const (
	rawQueued     = "Queued"
	rawInProgress = "InProgress"
	rawComplete   = "Complete"
	rawFailed     = "Failed"
)

var (
	// ErrUnknownJob indicates a status query for a job this processor never ran
	ErrUnknownJob = errors.New("processor: unknown job")

	// ErrPageCountMismatch indicates a submission built for a different page count
	ErrPageCountMismatch = errors.New("processor: page count mismatch")

	// ErrClosed indicates a submission after Close
	ErrClosed = errors.New("processor: closed")
)

// Options configures a Processor.
type Options struct {
	Workers int     // concurrent page renders per job
	DPI     float64 // output resolution
}

// DefaultOptions returns the daemon defaults.
func DefaultOptions() Options {
	return Options{Workers: 4, DPI: 150}
}

type job struct {
	id     string
	sub    session.Submission
	status string
	done   int
	total  int
	errMsg string
	result *session.Result
}

// Processor runs processing sessions in background goroutines.
type Processor struct {
	src     PageSource
	sink    PageSink
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Processor reading from src and writing to sink.
func New(src PageSource, sink PageSink, opts Options, log *logger.Logger, m *metrics.Metrics) *Processor {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.DPI <= 0 {
		opts.DPI = def.DPI
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		src:     src,
		sink:    sink,
		opts:    opts,
		log:     log,
		metrics: m,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// PageCount delegates to the page source.
func (p *Processor) PageCount(ctx context.Context, documentID string) (int, error) {
	return p.src.PageCount(ctx, documentID)
}

// Submit validates sub and starts a job. The returned id is the session id.
func (p *Processor) Submit(ctx context.Context, sub session.Submission) (string, error) {
	count, err := p.src.PageCount(ctx, sub.DocumentID)
	if err != nil {
		return "", err
	}
	if count != sub.PageCount {
		return "", fmt.Errorf("%w: %s has %d pages, submission has %d", ErrPageCountMismatch, sub.DocumentID, count, sub.PageCount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}

	j := &job{id: uuid.NewString(), sub: sub, status: rawQueued}
	p.jobs[j.id] = j
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(j)
	}()
	return j.id, nil
}

// Status reports a job with the processor's own status vocabulary.
func (p *Processor) Status(ctx context.Context, sessionID string) (*session.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, sessionID)
	}
	r := &session.Report{Status: j.status, Error: j.errMsg}
	if j.total > 0 {
		progress := j.done * 100 / j.total
		r.Progress = &progress
		r.Message = fmt.Sprintf("%d of %d pages", j.done, j.total)
	}
	if j.result != nil {
		res := session.Result{Segments: append([]session.Segment(nil), j.result.Segments...)}
		r.Result = &res
	}
	return r, nil
}

// Close stops running jobs and waits for them.
func (p *Processor) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

type task struct {
	segment int
	pos     int // page position within the output document
	page    int // original page index
}

func (p *Processor) run(j *job) {
	start := time.Now()
	log := p.log.SessionLogger(j.id, j.sub.DocumentID)

	segments := manipulation.PlanSegments(j.sub.PageCount, j.sub.PageBreaks, j.sub.PageDeletions)
	var tasks []task
	for i := range segments {
		segments[i].DocumentID = uuid.NewString()
		for pos, page := range segments[i].Pages {
			tasks = append(tasks, task{segment: i, pos: pos, page: page})
		}
	}

	p.mu.Lock()
	j.status = rawInProgress
	j.total = len(tasks)
	p.mu.Unlock()
	log.Info("processing started").Int("segments", len(segments)).Int("pages", len(tasks)).Send()

	rotations := make(map[int]int)
	for _, r := range j.sub.Rotations {
		if !r.Deleted {
			rotations[r.PageIndex] = r.Rotate
		}
	}
	redactions := make(map[int][]annotation.Redaction)
	for _, r := range j.sub.Redactions {
		if !r.Deleted {
			redactions[r.PageNumber] = append(redactions[r.PageNumber], r)
		}
	}

	err := p.renderAll(j, segments, tasks, rotations, redactions)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		j.status = rawFailed
		j.errMsg = err.Error()
		log.Error("processing failed").Err(err).Dur("duration_ms", time.Since(start)).Send()
		return
	}
	j.status = rawComplete
	j.result = &session.Result{Segments: segments}
	log.Info("processing complete").Dur("duration_ms", time.Since(start)).Send()
}

// renderAll fans tasks out over the worker pool. The first failure stops
// the remaining work.
func (p *Processor) renderAll(j *job, segments []session.Segment, tasks []task, rotations map[int]int, redactions map[int][]annotation.Redaction) error {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	work := make(chan task)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for w := 0; w < p.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if err := p.renderPage(ctx, j.sub.DocumentID, segments[t.segment].DocumentID, t, rotations[t.page], redactions[t.page]); err != nil {
					fail(err)
					continue
				}
				p.mu.Lock()
				j.done++
				p.mu.Unlock()
				if p.metrics != nil {
					p.metrics.RecordPagesRendered(1)
				}
			}
		}()
	}

feed:
	for _, t := range tasks {
		select {
		case work <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return p.ctx.Err()
}

func (p *Processor) renderPage(ctx context.Context, srcDoc, outDoc string, t task, rotation int, redactions []annotation.Redaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := p.src.Page(ctx, srcDoc, t.page)
	if err != nil {
		return err
	}
	img, err := p.src.Render(ctx, srcDoc, t.page, p.opts.DPI)
	if err != nil {
		return err
	}

	burnRedactions(img, redactions, p.opts.DPI/PointsPerInch)

	turn, _ := coords.NormalizeRotation(info.Rotation + rotation)
	out := rotate(img, turn)
	if err := p.sink.WritePage(ctx, outDoc, t.pos, out); err != nil {
		return fmt.Errorf("processor: write %s page %d: %w", outDoc, t.pos, err)
	}
	return nil
}
