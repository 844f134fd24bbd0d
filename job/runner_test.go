// Copyright (c) 2025 BVK Chaitanya

package job

import (
	"context"
	"errors"
	"os"
	"path"
	"sync/atomic"
	"testing"

	"github.com/bvk/stopbot/kvutil"
	"github.com/bvkgo/kv"
	"github.com/bvkgo/kv/kvmemdb"
)

const testKeyspace = "/test-jobs/"

type testState struct {
	UID     string
	Payload string
}

type testJob struct {
	state testState
}

func (j *testJob) UID() string      { return j.state.UID }
func (j *testJob) Typename() string { return "test-job" }

func (j *testJob) Save(ctx context.Context, rw kv.ReadWriter) error {
	return kvutil.Set(ctx, rw, path.Join(testKeyspace, j.state.UID), &j.state)
}

func loadTestJob(ctx context.Context, r kv.Reader, uid string) (Job, error) {
	v, err := kvutil.Get[testState](ctx, r, path.Join(testKeyspace, uid))
	if err != nil {
		return nil, err
	}
	return &testJob{state: *v}, nil
}

// testEnv observes processor lifecycle across instances. startStatus is what
// the next Start returns; ctlCh captures the Control handle of each new
// instance.
type testEnv struct {
	startStatus atomic.Value

	starts atomic.Int32
	stops  atomic.Int32

	ctlCh chan Control
}

func newTestEnv(status Status) *testEnv {
	env := &testEnv{ctlCh: make(chan Control, 4)}
	env.startStatus.Store(status)
	return env
}

func (env *testEnv) jobType() *JobType {
	return &JobType{
		Typename: "test-job",
		Load:     loadTestJob,
		NewProcessor: func(j Job, c Control, rt *Runtime) (Processor, error) {
			env.ctlCh <- c
			return &testProc{env: env}, nil
		},
	}
}

type testProc struct {
	env *testEnv
}

func (p *testProc) Start(ctx context.Context) (Status, error) {
	p.env.starts.Add(1)
	return p.env.startStatus.Load().(Status), nil
}

func (p *testProc) Stop(ctx context.Context) error {
	p.env.stops.Add(1)
	return nil
}

func TestRunnerSubmitCancel(t *testing.T) {
	ctx := context.Background()
	db := kvmemdb.New()

	env := newTestEnv(RUNNING)
	runner, err := NewRunner(db, &Runtime{}, []*JobType{env.jobType()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runner.Close()

	j := &testJob{state: testState{UID: "1", Payload: "a"}}
	if err := runner.Submit(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := runner.Submit(ctx, j); err == nil || !errors.Is(err, os.ErrExist) {
		t.Fatalf("wanted ErrExist, got %v", err)
	}

	if jd, err := runner.Get(ctx, "1"); err != nil {
		t.Fatal(err)
	} else if jd.State != string(RUNNING) {
		t.Fatalf("wanted RUNNING, got %v", jd.State)
	}
	if n := runner.NumLive(); n != 1 {
		t.Fatalf("wanted 1 live instance, got %d", n)
	}

	if state, err := runner.Cancel(ctx, "1"); err != nil {
		t.Fatal(err)
	} else if state != CANCELED {
		t.Fatalf("wanted CANCELED, got %v", state)
	}
	if n := env.stops.Load(); n != 1 {
		t.Fatalf("wanted 1 stop, got %d", n)
	}
	if n := runner.NumLive(); n != 0 {
		t.Fatalf("wanted 0 live instances, got %d", n)
	}

	// Canceling again keeps the state and does not stop anything twice.
	if state, err := runner.Cancel(ctx, "1"); err != nil {
		t.Fatal(err)
	} else if state != CANCELED {
		t.Fatalf("wanted CANCELED, got %v", state)
	}
	if n := env.stops.Load(); n != 1 {
		t.Fatalf("wanted 1 stop, got %d", n)
	}
}

func TestRunnerImmediateSuccess(t *testing.T) {
	ctx := context.Background()
	db := kvmemdb.New()

	env := newTestEnv(SUCCESS)
	runner, err := NewRunner(db, &Runtime{}, []*JobType{env.jobType()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runner.Close()

	j := &testJob{state: testState{UID: "1"}}
	if err := runner.Submit(ctx, j); err != nil {
		t.Fatal(err)
	}

	if jd, err := runner.Get(ctx, "1"); err != nil {
		t.Fatal(err)
	} else if jd.State != string(SUCCESS) {
		t.Fatalf("wanted SUCCESS, got %v", jd.State)
	}
	if n := env.starts.Load(); n != 1 {
		t.Fatalf("wanted 1 start, got %d", n)
	}
	if n := env.stops.Load(); n != 1 {
		t.Fatalf("wanted 1 stop, got %d", n)
	}
	if n := runner.NumLive(); n != 0 {
		t.Fatalf("wanted 0 live instances, got %d", n)
	}
}

func TestRunnerResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	db := kvmemdb.New()

	env := newTestEnv(RUNNING)
	runner, err := NewRunner(db, &Runtime{}, []*JobType{env.jobType()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	jobs := []*testJob{
		{state: testState{UID: "1"}},
		{state: testState{UID: "2"}},
	}
	for _, j := range jobs {
		if err := runner.Submit(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	// Shutdown suspends instances without changing the persisted state.
	runner.Close()
	if n := env.stops.Load(); n != 2 {
		t.Fatalf("wanted 2 stops, got %d", n)
	}
	for _, j := range jobs {
		if jd, err := runner.Get(ctx, j.UID()); err != nil {
			t.Fatal(err)
		} else if jd.State != string(RUNNING) {
			t.Fatalf("wanted RUNNING, got %v", jd.State)
		}
	}

	runner2, err := NewRunner(db, &Runtime{}, []*JobType{env.jobType()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runner2.Close()

	if err := runner2.ResumeAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := runner2.NumLive(); n != 2 {
		t.Fatalf("wanted 2 live instances, got %d", n)
	}
	if n := env.starts.Load(); n != 4 {
		t.Fatalf("wanted 4 starts, got %d", n)
	}
}

func TestRunnerReplaceFinish(t *testing.T) {
	ctx := context.Background()
	db := kvmemdb.New()

	env := newTestEnv(RUNNING)
	runner, err := NewRunner(db, &Runtime{}, []*JobType{env.jobType()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runner.Close()

	if err := runner.Submit(ctx, &testJob{state: testState{UID: "1", Payload: "a"}}); err != nil {
		t.Fatal(err)
	}
	ctl1 := <-env.ctlCh

	// Replace persists the new state and starts a fresh instance.
	if err := ctl1.Replace(ctx, &testJob{state: testState{UID: "1", Payload: "b"}}); err != nil {
		t.Fatal(err)
	}
	ctl2 := <-env.ctlCh

	if v, err := kvutil.GetDB[testState](ctx, db, path.Join(testKeyspace, "1")); err != nil {
		t.Fatal(err)
	} else if v.Payload != "b" {
		t.Fatalf("wanted payload b, got %q", v.Payload)
	}
	if n := env.stops.Load(); n != 1 {
		t.Fatalf("wanted 1 stop, got %d", n)
	}
	if n := runner.NumLive(); n != 1 {
		t.Fatalf("wanted 1 live instance, got %d", n)
	}

	// The retired instance's handle is dead.
	if err := ctl1.Finish(ctx, SUCCESS); err == nil || !errors.Is(err, os.ErrClosed) {
		t.Fatalf("wanted ErrClosed, got %v", err)
	}
	if err := ctl1.Replace(ctx, &testJob{state: testState{UID: "1", Payload: "c"}}); err == nil || !errors.Is(err, os.ErrClosed) {
		t.Fatalf("wanted ErrClosed, got %v", err)
	}

	if err := ctl2.Finish(ctx, RUNNING); err == nil || !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("wanted ErrInvalid, got %v", err)
	}
	if err := ctl2.Finish(ctx, SUCCESS); err != nil {
		t.Fatal(err)
	}
	if jd, err := runner.Get(ctx, "1"); err != nil {
		t.Fatal(err)
	} else if jd.State != string(SUCCESS) {
		t.Fatalf("wanted SUCCESS, got %v", jd.State)
	}
	if n := env.stops.Load(); n != 2 {
		t.Fatalf("wanted 2 stops, got %d", n)
	}
}
