package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
)

const (
	DefaultWorkers     = 1
	DefaultCancelGrace = 15 * time.Second
)

var errNotStarted = errors.New("scheduler not started")

// errUnchanged aborts a store update without writing or publishing.
var errUnchanged = errors.New("unchanged")

type SchedulerConfig struct {
	Workers     int
	CancelGrace time.Duration
	// WorkDir receives encoder output before it is moved into the library.
	WorkDir string
	Encoder domain.EncoderConfig
}

// Scheduler admits jobs in submission order, runs at most Workers encodes
// at once and drives every job through the state machine. Each change is
// written to the store and then published, under a per-job lock.
type Scheduler struct {
	store        port.JobStore
	encoder      port.Encoder
	prober       port.Prober
	orchestrator *Orchestrator
	broadcast    *Broadcaster
	cfg          SchedulerConfig
	now          func() time.Time

	locks keyedMutex

	mu      sync.Mutex
	pending []string
	running int
	active  map[string]*activeEncode
	started bool
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires the pool. prober may be nil, in which case requested
// stream ordinals are not checked against the input.
func NewScheduler(
	store port.JobStore,
	encoder port.Encoder,
	prober port.Prober,
	orchestrator *Orchestrator,
	broadcast *Broadcaster,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:        store,
		encoder:      encoder,
		prober:       prober,
		orchestrator: orchestrator,
		broadcast:    broadcast,
		cfg:          cfg,
		now:          time.Now,
		active:       make(map[string]*activeEncode),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start recovers jobs left by a previous process and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSchedulerClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recoverJobs(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	s.wg.Add(1)
	go s.dispatch()
	logger.Info.Printf("scheduler started with %d encoder slot(s), accel=%s", s.cfg.Workers, s.cfg.Encoder.Accel)
	return nil
}

func (s *Scheduler) recoverJobs(ctx context.Context) error {
	jobs, err := s.store.List(ctx, domain.JobFilter{Active: true})
	if err != nil {
		return err
	}
	var requeued, interrupted int
	for _, job := range jobs {
		if job.Stage != domain.StageQueued {
			if _, err := s.apply(ctx, job.ID, func(j *domain.Job) error {
				return j.Fail("interrupted by service restart", s.now().UTC())
			}); err != nil {
				logger.Error.Printf("job %s: mark interrupted: %v", job.ID, err)
				continue
			}
			interrupted++
			continue
		}
		s.admit(job)
		requeued++
	}
	if requeued > 0 || interrupted > 0 {
		logger.Info.Printf("recovered jobs: %d re-queued, %d marked interrupted", requeued, interrupted)
	}
	return nil
}

// Submit validates spec, persists a queued job and returns it without
// waiting for any work to start.
func (s *Scheduler) Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	return s.submit(ctx, spec, "")
}

// Retry resubmits the spec of a failed job as a new job. The original is
// left untouched.
func (s *Scheduler) Retry(ctx context.Context, id string) (*domain.Job, error) {
	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Stage != domain.StageFailed {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrNotRetryable, id, prev.Stage)
	}
	return s.submit(ctx, prev.JobSpec, prev.ID)
}

func (s *Scheduler) submit(ctx context.Context, spec domain.JobSpec, retryOf string) (*domain.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkTracks(ctx, spec.Normalized()); err != nil {
		return nil, err
	}

	created, err := s.store.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	// The job is visible to List from here on; a cancel that wins the lock
	// publishes its own update and the queued one is skipped.
	unlock := s.locks.Lock(created.ID)
	defer unlock()

	var job *domain.Job
	if retryOf != "" {
		job, err = s.store.Update(ctx, created.ID, func(j *domain.Job) error {
			j.RetryOf = retryOf
			return nil
		})
	} else {
		job, err = s.store.Get(ctx, created.ID)
	}
	if err != nil {
		return nil, err
	}
	if job.Stage != domain.StageQueued {
		return job, nil
	}

	s.broadcast.Publish(job.Update())
	logger.Info.Printf("job %s queued (type=%s, mode=%s, input=%s)",
		job.ID, job.Type, job.TranscodeMode, logger.SanitizeForLog(job.InputPath))
	s.admit(job)
	return job, nil
}

func (s *Scheduler) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSchedulerClosed
	}
	if !s.started {
		return errNotStarted
	}
	return nil
}

func (s *Scheduler) checkTracks(ctx context.Context, spec domain.JobSpec) error {
	opts := spec.TranscodeOptions
	if s.prober == nil || !spec.NeedsEncode() || (len(opts.AudioStreams) == 0 && len(opts.SubtitleStreams) == 0) {
		return nil
	}
	res, err := s.prober.Probe(ctx, spec.InputPath)
	if err != nil {
		return fmt.Errorf("%w: probe input: %v", domain.ErrInvalidSpec, err)
	}
	return res.Tracks().ValidateSelection(opts)
}

// admit hands a queued job to the encoder queue, or straight to the
// post-encode steps when it needs no encode.
func (s *Scheduler) admit(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !job.NeedsEncode() {
		s.wg.Add(1)
		go s.runSkip(job.ID)
		return
	}
	if !slices.Contains(s.pending, job.ID) {
		s.pending = append(s.pending, job.ID)
	}
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for !s.closed && s.running < s.cfg.Workers && len(s.pending) > 0 {
			id := s.pending[0]
			s.pending = s.pending[1:]
			s.running++
			s.wg.Add(1)
			go s.runEncode(id)
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) removePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.pending, id); i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
	}
}

// applyLocked writes fn and publishes the result. The caller holds the job
// lock.
func (s *Scheduler) applyLocked(ctx context.Context, id string, fn port.Mutation) (*domain.Job, error) {
	job, err := s.store.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	s.broadcast.Publish(job.Update())
	return job, nil
}

func (s *Scheduler) apply(ctx context.Context, id string, fn port.Mutation) (*domain.Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.applyLocked(ctx, id, fn)
}

func (s *Scheduler) advancer(id string) Advancer {
	return func(ctx context.Context, fn port.Mutation) (*domain.Job, error) {
		return s.apply(ctx, id, fn)
	}
}

// activeEncode tracks a job between its move to transcoding and the moment
// it leaves that stage.
type activeEncode struct {
	mu         sync.Mutex
	handle     port.EncodeHandle
	requested  bool
	cancelOnce sync.Once

	done        chan struct{}
	doneOnce    sync.Once
	releaseOnce sync.Once
	release     func()
}

func newActiveEncode(release func()) *activeEncode {
	return &activeEncode{done: make(chan struct{}), release: release}
}

// markCanceled records the request. The caller holds the job lock.
func (a *activeEncode) markCanceled() {
	a.mu.Lock()
	a.requested = true
	a.mu.Unlock()
}

func (a *activeEncode) cancelRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requested
}

// fire delivers a recorded cancel to the encoder, at most once.
func (a *activeEncode) fire() {
	a.mu.Lock()
	h, requested := a.handle, a.requested
	a.mu.Unlock()
	if h != nil && requested {
		a.cancelOnce.Do(h.Cancel)
	}
}

func (a *activeEncode) attach(h port.EncodeHandle) {
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
	a.fire()
}

func (a *activeEncode) pid() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle == nil {
		return 0
	}
	return a.handle.PID()
}

func (a *activeEncode) settle() {
	a.doneOnce.Do(func() { close(a.done) })
	a.releaseOnce.Do(a.release)
}

func (s *Scheduler) runEncode(id string) {
	defer s.wg.Done()
	bg := context.Background()
	ae := newActiveEncode(s.releaseSlot)

	unlock := s.locks.Lock(id)
	job, err := s.applyLocked(bg, id, func(j *domain.Job) error {
		if err := j.Transition(domain.StageTranscoding, s.now().UTC()); err != nil {
			return err
		}
		j.Encoder = s.cfg.Encoder.Accel
		return nil
	})
	if err == nil {
		s.mu.Lock()
		s.active[id] = ae
		s.mu.Unlock()
	}
	unlock()
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			logger.Error.Printf("job %s: start transcoding: %v", id, err)
		}
		ae.settle()
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()

	output := filepath.Join(s.cfg.WorkDir, id+".mp4")
	result := s.encode(job, output, ae)

	job, ok := s.leaveTranscoding(id, ae, result)
	if !ok {
		removeFile(output)
		return
	}

	source := result.OutputPath
	if source == "" {
		source = output
	}
	out := s.orchestrator.RunPostEncode(bg, job, source, s.advancer(id))
	if out.Stage != domain.StageCompleted {
		removeFile(source)
	}
}

// encode runs the encoder and returns its terminal event.
func (s *Scheduler) encode(job *domain.Job, output string, ae *activeEncode) domain.EncodeEvent {
	if ae.cancelRequested() {
		return domain.EncodeEvent{Kind: domain.EncodeCanceled}
	}

	logger.Info.Printf("job %s: encoding with %s", job.ID, s.cfg.Encoder.Accel)
	handle, err := s.encoder.Start(s.ctx, domain.EncodeRequest{
		JobID:      job.ID,
		InputPath:  job.InputPath,
		OutputPath: output,
		Config:     s.cfg.Encoder,
		Options:    job.TranscodeOptions,
	})
	if err != nil {
		return domain.EncodeEvent{Kind: domain.EncodeFailed, Err: fmt.Errorf("encoder failed to start: %w", err)}
	}
	ae.attach(handle)

	var (
		result   domain.EncodeEvent
		finished bool
	)
	for ev := range handle.Events() {
		if !ev.Terminal() {
			s.recordProgress(job.ID, ev.Percent)
			continue
		}
		if !finished {
			result, finished = ev, true
		}
	}
	if !finished {
		return domain.EncodeEvent{Kind: domain.EncodeFailed, Err: errors.New("encoder exited without a result")}
	}
	return result
}

func (s *Scheduler) recordProgress(id string, percent float64) {
	_, err := s.apply(context.Background(), id, func(j *domain.Job) error {
		changed, err := j.SetProgress(percent, s.now().UTC())
		if err != nil {
			return err
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		logger.Debug.Printf("job %s: progress %.1f dropped: %v", id, percent, err)
	}
}

// leaveTranscoding applies the encode result. It reports true when the job
// moved on to tagging.
func (s *Scheduler) leaveTranscoding(id string, ae *activeEncode, ev domain.EncodeEvent) (*domain.Job, bool) {
	unlock := s.locks.Lock(id)
	defer unlock()
	defer ae.settle()

	kind := ev.Kind
	requested := ae.cancelRequested()
	if requested {
		kind = domain.EncodeCanceled
	}
	shuttingDown := s.ctx.Err() != nil

	job, err := s.applyLocked(context.Background(), id, func(j *domain.Job) error {
		if j.Stage != domain.StageTranscoding {
			return errUnchanged
		}
		now := s.now().UTC()
		switch {
		case kind == domain.EncodeCompleted:
			return j.Transition(domain.StageTagging, now)
		case kind == domain.EncodeCanceled && !requested && shuttingDown:
			return j.Fail("interrupted by service shutdown", now)
		case kind == domain.EncodeCanceled:
			return j.Transition(domain.StageCanceled, now)
		default:
			msg := "encode failed"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			return j.Fail(msg, now)
		}
	})
	if err != nil {
		if !errors.Is(err, errUnchanged) {
			logger.Error.Printf("job %s: record encode result: %v", id, err)
		}
		return nil, false
	}

	switch job.Stage {
	case domain.StageTagging:
		logger.Info.Printf("job %s: encode finished", id)
		return job, true
	case domain.StageCanceled:
		logger.Info.Printf("job %s: canceled", id)
	default:
		logger.Error.Printf("job %s: %s", id, job.ErrorMessage)
	}
	return job, false
}

func (s *Scheduler) runSkip(id string) {
	defer s.wg.Done()
	bg := context.Background()
	job, err := s.store.Get(bg, id)
	if err != nil {
		logger.Error.Printf("job %s: %v", id, err)
		return
	}
	out := s.orchestrator.RunPostEncode(bg, job, job.InputPath, s.advancer(id))
	if errors.Is(out.Err, domain.ErrInvalidTransition) {
		logger.Debug.Printf("job %s: post-encode not run: %v", id, out.Err)
	}
}

// Cancel stops a job. A queued job is canceled at once. A transcoding job
// is canceled once the encoder confirms, or after the cancel grace period
// if it never does. Terminal jobs are returned unchanged; jobs in tagging or
// moving fail with ErrNotCancelable.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	unlock := s.locks.Lock(id)
	job, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	switch job.Stage {
	case domain.StageQueued:
		s.removePending(id)
		job, err = s.applyLocked(ctx, id, func(j *domain.Job) error {
			return j.Transition(domain.StageCanceled, s.now().UTC())
		})
		unlock()
		if err == nil {
			logger.Info.Printf("job %s: canceled before start", id)
		}
		return job, err

	case domain.StageTranscoding:
		s.mu.Lock()
		ae := s.active[id]
		s.mu.Unlock()
		if ae == nil {
			unlock()
			return s.forceCancel(ctx, id, nil)
		}
		ae.markCanceled()
		unlock()
		ae.fire()
		return s.awaitCancel(ctx, id, ae)

	case domain.StageTagging, domain.StageMoving:
		unlock()
		return job, fmt.Errorf("%w: job %s is %s", domain.ErrNotCancelable, id, job.Stage)

	default:
		unlock()
		return job, nil
	}
}

func (s *Scheduler) awaitCancel(ctx context.Context, id string, ae *activeEncode) (*domain.Job, error) {
	timer := time.NewTimer(s.cfg.CancelGrace)
	defer timer.Stop()

	select {
	case <-ae.done:
		return s.store.Get(ctx, id)
	case <-timer.C:
		return s.forceCancel(ctx, id, ae)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) forceCancel(ctx context.Context, id string, ae *activeEncode) (*domain.Job, error) {
	unlock := s.locks.Lock(id)
	job, err := s.applyLocked(ctx, id, func(j *domain.Job) error {
		if j.Stage != domain.StageTranscoding {
			return errUnchanged
		}
		return j.Transition(domain.StageCanceled, s.now().UTC())
	})
	unlock()

	if errors.Is(err, errUnchanged) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	pid := 0
	if ae != nil {
		pid = ae.pid()
		ae.settle()
	}
	logger.Warn.Printf("job %s: encoder did not stop within %s, marked canceled (%s)", id, s.cfg.CancelGrace, describeProcess(pid))
	return job, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns matching jobs, oldest first.
func (s *Scheduler) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	return s.store.List(ctx, filter)
}

// Delete removes a terminal job.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrNotTerminal, id, job.Stage)
	}
	return s.store.Delete(ctx, id)
}

func (s *Scheduler) Subscribe(ctx context.Context) *Subscription {
	return s.broadcast.Subscribe(ctx)
}

func (s *Scheduler) EncoderConfig() domain.EncoderConfig {
	return s.cfg.Encoder
}

// Shutdown stops admitting work, cancels running encodes and waits for all
// workers. Jobs still queued stay queued for the next Start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.signal()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info.Printf("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn.Printf("remove %s: %v", logger.SanitizeForLog(path), err)
	}
}
