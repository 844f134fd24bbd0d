// Copyright (c) 2025 BVK Chaitanya

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bvk/stopbot/ctxutil"
	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/kvutil"
	"github.com/bvk/stopbot/syncmap"
	"github.com/bvkgo/kv"
)

// Keyspace holds one gobs.JobData record per job uid.
const Keyspace = "/jobs/"

type Options struct {
	// StartRetryInterval is the backoff before a failed or transiently
	// failed Start is re-invoked.
	StartRetryInterval time.Duration
}

func (v *Options) setDefaults() {
	if v.StartRetryInterval == 0 {
		v.StartRetryInterval = time.Minute
	}
}

func (v *Options) Check() error {
	if v.StartRetryInterval < 0 {
		return fmt.Errorf("start retry interval cannot be negative: %w", os.ErrInvalid)
	}
	return nil
}

// Runner supervises job instances. It persists job records, starts and
// retires processors, serializes all transitions of one job uid behind a
// per-uid lock and resumes RUNNING jobs after a process restart.
type Runner struct {
	cg ctxutil.CloseGroup

	opts Options

	db kv.Database

	rt *Runtime

	typeMap map[string]*JobType

	// locks serializes start/stop/replace/finish transitions per job uid.
	// Entries are never removed; uids are few and long-lived.
	locks syncmap.Map[string, *sync.Mutex]

	mu          sync.Mutex
	instanceMap map[string]*instance
}

// instance is one start-to-stop incarnation of a job. A replace retires the
// old instance and creates a new one under the same uid.
type instance struct {
	uid      string
	typename string

	job  Job
	proc Processor

	stopOnce sync.Once
}

func NewRunner(db kv.Database, rt *Runtime, types []*JobType, opts *Options) (*Runner, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}
	if rt == nil {
		rt = new(Runtime)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("at least one job type is required: %w", os.ErrInvalid)
	}

	typeMap := make(map[string]*JobType)
	for _, jt := range types {
		if jt.Typename == "" || jt.Load == nil || jt.NewProcessor == nil {
			return nil, fmt.Errorf("job type %q is incomplete: %w", jt.Typename, os.ErrInvalid)
		}
		if _, ok := typeMap[jt.Typename]; ok {
			return nil, fmt.Errorf("job type %q is registered twice: %w", jt.Typename, os.ErrExist)
		}
		typeMap[jt.Typename] = jt
	}

	r := &Runner{
		opts:        *opts,
		db:          db,
		rt:          rt,
		typeMap:     typeMap,
		instanceMap: make(map[string]*instance),
	}
	if r.rt.Database == nil {
		r.rt.Database = db
	}
	if r.rt.Status == nil {
		r.rt.Status = NewStatusUpdater(db)
	}
	if r.rt.Submit == nil {
		r.rt.Submit = r
	}
	return r, nil
}

// Close suspends all live instances and waits for background retries to
// stop. Suspended jobs keep their RUNNING record and are picked up again by
// ResumeAll on the next start.
func (r *Runner) Close() {
	r.cg.Close()

	r.mu.Lock()
	insts := make([]*instance, 0, len(r.instanceMap))
	for uid, inst := range r.instanceMap {
		delete(r.instanceMap, uid)
		insts = append(insts, inst)
	}
	r.mu.Unlock()

	ctx := context.Background()
	for _, inst := range insts {
		r.stopInstance(ctx, inst)
		slog.Info("job is suspended", "uid", inst.uid)
	}
}

func (r *Runner) jobLock(uid string) *sync.Mutex {
	if m, ok := r.locks.Load(uid); ok {
		return m
	}
	m, _ := r.locks.LoadOrStore(uid, new(sync.Mutex))
	return m
}

func (r *Runner) isLive(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instanceMap[uid]
	return ok
}

// Submit persists a new job and starts it. The uid must not already exist.
func (r *Runner) Submit(ctx context.Context, j Job) error {
	uid := j.UID()
	if uid == "" {
		return fmt.Errorf("job uid cannot be empty: %w", os.ErrInvalid)
	}
	jt, ok := r.typeMap[j.Typename()]
	if !ok {
		return fmt.Errorf("unsupported job type %q: %w", j.Typename(), os.ErrInvalid)
	}

	m := r.jobLock(uid)
	m.Lock()
	defer m.Unlock()

	if r.isLive(uid) {
		return fmt.Errorf("job %q is already running: %w", uid, os.ErrExist)
	}

	key := path.Join(Keyspace, uid)
	save := func(ctx context.Context, rw kv.ReadWriter) error {
		if _, err := kvutil.Get[gobs.JobData](ctx, rw, key); err == nil {
			return fmt.Errorf("job %q already exists: %w", uid, os.ErrExist)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := j.Save(ctx, rw); err != nil {
			return err
		}
		jd := &gobs.JobData{UID: uid, Typename: j.Typename(), State: string(RUNNING)}
		return kvutil.Set(ctx, rw, key, jd)
	}
	if err := kv.WithReadWriter(ctx, r.db, save); err != nil {
		return err
	}

	slog.Info("job is submitted", "uid", uid, "typename", j.Typename())
	r.startLocked(ctx, jt, j)
	return nil
}

// ResumeAll restarts all jobs whose persisted state is RUNNING. It is
// invoked once after the Runner is created, before external requests are
// served.
func (r *Runner) ResumeAll(ctx context.Context) error {
	begin, end := kvutil.PathRange(Keyspace)
	var uids []string
	collect := func(ctx context.Context, rd kv.Reader, key string, jd *gobs.JobData) error {
		if jd.State == string(RUNNING) {
			uids = append(uids, strings.TrimPrefix(key, Keyspace))
		}
		return nil
	}
	if err := kvutil.AscendDB(ctx, r.db, begin, end, collect); err != nil {
		return fmt.Errorf("could not scan jobs keyspace: %w", err)
	}

	for _, uid := range uids {
		if err := r.resume(ctx, uid); err != nil {
			slog.Error("could not resume job (will retry)", "uid", uid, "err", err)
			r.retryLater(uid)
		}
	}
	return nil
}

// resume loads a persisted RUNNING job and starts an instance for it. It is
// a no-op when the job is already live or no longer RUNNING.
func (r *Runner) resume(ctx context.Context, uid string) error {
	m := r.jobLock(uid)
	m.Lock()
	defer m.Unlock()

	if r.isLive(uid) {
		return nil
	}

	jd, err := kvutil.GetDB[gobs.JobData](ctx, r.db, path.Join(Keyspace, uid))
	if err != nil {
		return err
	}
	if jd.State != string(RUNNING) {
		return nil
	}
	jt, ok := r.typeMap[jd.Typename]
	if !ok {
		return fmt.Errorf("unsupported job type %q: %w", jd.Typename, os.ErrInvalid)
	}

	var j Job
	load := func(ctx context.Context, rd kv.Reader) (err error) {
		j, err = jt.Load(ctx, rd, uid)
		return err
	}
	if err := kv.WithReader(ctx, r.db, load); err != nil {
		return fmt.Errorf("could not load job %q: %w", uid, err)
	}

	r.startLocked(ctx, jt, j)
	return nil
}

// startLocked creates and starts a new instance. The job's lock must be
// held and no instance may be live for the uid.
func (r *Runner) startLocked(ctx context.Context, jt *JobType, j Job) {
	inst := &instance{uid: j.UID(), typename: j.Typename(), job: j}
	proc, err := jt.NewProcessor(j, &control{runner: r, inst: inst}, r.rt)
	if err != nil {
		slog.Error("could not create job processor (will retry)", "uid", inst.uid, "err", err)
		r.retryLater(inst.uid)
		return
	}
	inst.proc = proc

	status, err := proc.Start(ctx)
	if err != nil || status == FAILURE_TRANSIENT {
		slog.Warn("job start has failed (will retry)", "uid", inst.uid, "status", status, "err", err)
		r.stopInstance(ctx, inst)
		r.retryLater(inst.uid)
		return
	}

	if status == RUNNING {
		r.mu.Lock()
		r.instanceMap[inst.uid] = inst
		r.mu.Unlock()
		slog.Info("job is running", "uid", inst.uid, "typename", inst.typename)
		return
	}

	// Terminal right away: commit through Stop and retire.
	r.stopInstance(ctx, inst)
	r.retire(ctx, inst.uid, status)
}

func (r *Runner) retryLater(uid string) {
	r.cg.Go(func(ctx context.Context) {
		ctxutil.Sleep(ctx, r.opts.StartRetryInterval)
		if ctx.Err() != nil {
			return
		}
		if err := r.resume(ctx, uid); err != nil {
			slog.Error("could not restart job (will retry)", "uid", uid, "err", err)
			r.retryLater(uid)
		}
	})
}

func (r *Runner) retire(ctx context.Context, uid string, status Status) {
	if err := r.setState(ctx, uid, string(status)); err != nil {
		slog.Error("could not save terminal job state (ignored)", "uid", uid, "status", status, "err", err)
	}
	slog.Info("job is finished", "uid", uid, "status", status)
}

func (r *Runner) setState(ctx context.Context, uid, state string) error {
	key := path.Join(Keyspace, uid)
	return kv.WithReadWriter(ctx, r.db, func(ctx context.Context, rw kv.ReadWriter) error {
		jd, err := kvutil.Get[gobs.JobData](ctx, rw, key)
		if err != nil {
			return err
		}
		jd.State = state
		return kvutil.Set(ctx, rw, key, jd)
	})
}

// stopInstance invokes the processor's Stop exactly once for the instance.
func (r *Runner) stopInstance(ctx context.Context, inst *instance) {
	inst.stopOnce.Do(func() {
		if err := inst.proc.Stop(ctx); err != nil {
			slog.Error("job processor stop has failed (ignored)", "uid", inst.uid, "err", err)
		}
	})
}

// replace swaps a live instance for one started from new job state. The new
// state is persisted before the old instance is touched; on a save failure
// the old instance keeps running.
func (r *Runner) replace(ctx context.Context, inst *instance, nj Job) error {
	if nj.UID() != inst.uid {
		return fmt.Errorf("replacement job uid %q does not match %q: %w", nj.UID(), inst.uid, os.ErrInvalid)
	}
	if nj.Typename() != inst.typename {
		return fmt.Errorf("replacement job type %q does not match %q: %w", nj.Typename(), inst.typename, os.ErrInvalid)
	}
	jt := r.typeMap[inst.typename]

	m := r.jobLock(inst.uid)
	m.Lock()
	defer m.Unlock()

	r.mu.Lock()
	live := r.instanceMap[inst.uid] == inst
	r.mu.Unlock()
	if !live {
		return fmt.Errorf("job instance is already retired: %w", os.ErrClosed)
	}

	if err := kv.WithReadWriter(ctx, r.db, nj.Save); err != nil {
		return fmt.Errorf("could not save replacement job state: %w", err)
	}

	r.mu.Lock()
	delete(r.instanceMap, inst.uid)
	r.mu.Unlock()

	// Start the new instance before stopping the old one, so a market data
	// subscription shared between them is handed over instead of being torn
	// down and re-established.
	slog.Info("job is replaced", "uid", inst.uid, "typename", inst.typename)
	r.startLocked(ctx, jt, nj)
	r.stopInstance(ctx, inst)
	return nil
}

// finish retires a live instance with a terminal status.
func (r *Runner) finish(ctx context.Context, inst *instance, status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish status %q is not terminal: %w", status, os.ErrInvalid)
	}

	m := r.jobLock(inst.uid)
	m.Lock()
	defer m.Unlock()

	r.mu.Lock()
	live := r.instanceMap[inst.uid] == inst
	if live {
		delete(r.instanceMap, inst.uid)
	}
	r.mu.Unlock()
	if !live {
		return fmt.Errorf("job instance is already retired: %w", os.ErrClosed)
	}

	r.stopInstance(ctx, inst)
	r.retire(ctx, inst.uid, status)
	return nil
}

// Cancel stops a job from outside. A live instance is retired through its
// Stop; a RUNNING record becomes CANCELED so the job is not resumed again.
// Jobs already in a terminal state are unaffected. The resulting persisted
// state is returned.
func (r *Runner) Cancel(ctx context.Context, uid string) (string, error) {
	m := r.jobLock(uid)
	m.Lock()
	defer m.Unlock()

	key := path.Join(Keyspace, uid)
	jd, err := kvutil.GetDB[gobs.JobData](ctx, r.db, key)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	inst, live := r.instanceMap[uid]
	if live {
		delete(r.instanceMap, uid)
	}
	r.mu.Unlock()
	if live {
		r.stopInstance(ctx, inst)
	}

	if jd.State == string(RUNNING) {
		jd.State = CANCELED
		if err := kvutil.SetDB(ctx, r.db, key, jd); err != nil {
			return "", fmt.Errorf("could not save canceled job state: %w", err)
		}
		slog.Info("job is canceled", "uid", uid)
	}
	return jd.State, nil
}

// Get returns the persisted record for one job uid.
func (r *Runner) Get(ctx context.Context, uid string) (*gobs.JobData, error) {
	return kvutil.GetDB[gobs.JobData](ctx, r.db, path.Join(Keyspace, uid))
}

// List invokes fn for every persisted job record in uid order.
func (r *Runner) List(ctx context.Context, fn func(*gobs.JobData) error) error {
	begin, end := kvutil.PathRange(Keyspace)
	return kvutil.AscendDB(ctx, r.db, begin, end, func(ctx context.Context, rd kv.Reader, key string, jd *gobs.JobData) error {
		return fn(jd)
	})
}

// NumLive returns the number of live job instances.
func (r *Runner) NumLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instanceMap)
}

type control struct {
	runner *Runner
	inst   *instance
}

var _ Control = &control{}

func (c *control) Replace(ctx context.Context, nj Job) error {
	return c.runner.replace(ctx, c.inst, nj)
}

func (c *control) Finish(ctx context.Context, status Status) error {
	return c.runner.finish(ctx, c.inst, status)
}
