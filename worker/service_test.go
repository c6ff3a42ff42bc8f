// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/filestore"
	"github.com/hashicorp/gavel/helper/testlog"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
	"github.com/hashicorp/gavel/tasktype"
	"github.com/hashicorp/gavel/testutil"
)

// shLang lets the tests compile and run real programs with nothing but
// /bin/sh on the host. Compilation syntax checks the sources and
// concatenates them into the executable.
type shLang struct{}

func (shLang) Name() string               { return "sh" }
func (shLang) SourceExtension() string    { return ".sh" }
func (shLang) SourceExtensions() []string { return []string{".sh"} }
func (shLang) HeaderExtensions() []string { return nil }
func (shLang) ObjectExtensions() []string { return nil }

func (shLang) CompilationCommands(sources []string, executable string) [][]string {
	all := strings.Join(sources, " ")
	script := fmt.Sprintf("sh -n %s && cat %s > %s", all, all, executable)
	return [][]string{{"/bin/sh", "-c", script}}
}

func (shLang) EvaluationCommands(executable string) [][]string {
	return [][]string{{"/bin/sh", executable}}
}

func init() {
	tasktype.RegisterLanguage(shLang{})
}

type resultKey struct {
	entityID  int64
	datasetID int64
}

// fakeStore is an in-memory Store. Rows are handed out as snapshots like
// the SQL store produces them, so later seed mutations never leak into the
// worker's dataset cache.
type fakeStore struct {
	mu sync.Mutex

	nextID int64

	submissions map[int64]*structs.Submission
	userTests   map[int64]*structs.UserTest
	datasets    map[int64]*structs.Dataset
	executables map[resultKey]map[string]string
	utResults   map[resultKey]*structs.UserTestResult
	contests    map[int64][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:      100,
		submissions: map[int64]*structs.Submission{},
		userTests:   map[int64]*structs.UserTest{},
		datasets:    map[int64]*structs.Dataset{},
		executables: map[resultKey]map[string]string{},
		utResults:   map[resultKey]*structs.UserTestResult{},
		contests:    map[int64][]string{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func copyDataset(d *structs.Dataset) *structs.Dataset {
	cp := *d
	cp.TaskTypeParameters = slices.Clone(d.TaskTypeParameters)
	cp.ScoreTypeParameters = slices.Clone(d.ScoreTypeParameters)
	cp.Managers = maps.Clone(d.Managers)
	cp.Testcases = slices.Clone(d.Testcases)
	return &cp
}

func (f *fakeStore) GetSubmission(_ context.Context, id int64) (*structs.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %d: %w", id, structs.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeStore) GetUserTest(_ context.Context, id int64) (*structs.UserTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ut, ok := f.userTests[id]
	if !ok {
		return nil, fmt.Errorf("user test %d: %w", id, structs.ErrNotFound)
	}
	return ut, nil
}

func (f *fakeStore) GetDataset(_ context.Context, id int64) (*structs.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %d: %w", id, structs.ErrNotFound)
	}
	return copyDataset(ds), nil
}

// Executables returns an empty map for unseeded pairs: a result row with no
// compiled artifacts joins to zero executable rows.
func (f *fakeStore) Executables(_ context.Context, submissionID, datasetID int64) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	execs := maps.Clone(f.executables[resultKey{submissionID, datasetID}])
	if execs == nil {
		execs = map[string]string{}
	}
	return execs, nil
}

func (f *fakeStore) GetUserTestResult(_ context.Context, userTestID, datasetID int64) (*structs.UserTestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.utResults[resultKey{userTestID, datasetID}]
	if !ok {
		return nil, fmt.Errorf("user test result %d/%d: %w", userTestID, datasetID, structs.ErrNotFound)
	}
	cp := *r
	cp.Executables = maps.Clone(r.Executables)
	return &cp, nil
}

func (f *fakeStore) ContestFileDigests(_ context.Context, contestID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if contestID != 0 {
		return slices.Clone(f.contests[contestID]), nil
	}
	var all []string
	for _, digests := range f.contests {
		all = append(all, digests...)
	}
	return all, nil
}

func (f *fakeStore) setExecutables(submissionID, datasetID int64, execs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executables[resultKey{submissionID, datasetID}] = maps.Clone(execs)
}

func (f *fakeStore) setUserTestResult(r *structs.UserTestResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utResults[resultKey{r.UserTestID, r.DatasetID}] = r
}

func (f *fakeStore) setContestDigests(contestID int64, digests []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contests[contestID] = digests
}

// probeContestID is reserved for the harness warm-up precache.
const probeContestID = int64(90)

type workerHarness struct {
	cfg    *config.Config
	st     *fakeStore
	w      *Service
	caller *rpc.Service
	worker *rpc.Client
	seed   *filestore.Cacher
}

// newWorkerHarness starts a real file store and a real worker on loopback
// ports, plus a caller service standing in for the dispatcher. It returns
// once the worker has fetched a probe file end to end, so tests never race
// the background dials.
func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.CoreServices[structs.ServiceNameFileStore] = []config.HostPort{
		{Host: "127.0.0.1", Port: ci.PortAllocator.One()},
	}
	cfg.CoreServices[structs.ServiceNameWorker] = []config.HostPort{
		{Host: "127.0.0.1", Port: ci.PortAllocator.One()},
	}
	cfg.CoreServices[structs.ServiceNameEvaluation] = []config.HostPort{
		{Host: "127.0.0.1", Port: ci.PortAllocator.One()},
	}
	logger := testlog.HCLogger(t)

	fs, err := filestore.NewService(cfg, 0, logger)
	must.NoError(t, err)
	t.Cleanup(fs.Shutdown)

	st := newFakeStore()
	w, err := NewService(cfg, 0, st, logger)
	must.NoError(t, err)
	t.Cleanup(w.Shutdown)

	caller, err := rpc.NewService(rpc.ServiceCoord{Name: structs.ServiceNameEvaluation, Shard: 0}, cfg, logger)
	must.NoError(t, err)
	t.Cleanup(caller.Shutdown)

	fsClient := caller.Connect(rpc.ServiceCoord{Name: structs.ServiceNameFileStore, Shard: 0})
	workerClient := caller.Connect(rpc.ServiceCoord{Name: structs.ServiceNameWorker, Shard: 0})
	testutil.WaitForResult(func() (bool, error) {
		if !fsClient.Connected() {
			return false, fmt.Errorf("file store not reachable")
		}
		if !workerClient.Connected() {
			return false, fmt.Errorf("worker not reachable")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("services never connected: %v", err)
	})

	seed, err := filestore.NewCacher(filestore.NewRemoteBackend(fsClient), t.TempDir(),
		rpc.ServiceCoord{Name: structs.ServiceNameEvaluation, Shard: 0}, logger)
	must.NoError(t, err)

	h := &workerHarness{cfg: cfg, st: st, w: w, caller: caller, worker: workerClient, seed: seed}

	// The worker dials the file store on its own schedule; gate on a probe
	// precache that has to pull one real file through that connection.
	probe := h.put(t, "probe")
	st.setContestDigests(probeContestID, []string{probe})
	testutil.WaitForResult(func() (bool, error) {
		err := h.call(t, structs.WorkerMethodPrecacheFiles, &structs.PrecacheArgs{ContestID: probeContestID}, nil)
		return err == nil, err
	}, func(err error) {
		t.Fatalf("worker never warmed up: %v", err)
	})
	return h
}

func (h *workerHarness) call(t *testing.T, method string, args, reply interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.worker.Call(ctx, method, args, reply)
}

// executeJob runs one job to completion and returns its result. RPC level
// failures end the test; job level failures come back inside the result.
func (h *workerHarness) executeJob(t *testing.T, job structs.Job) *structs.JobResult {
	t.Helper()
	var res structs.JobResult
	must.NoError(t, h.call(t, structs.WorkerMethodExecuteJob, &job, &res))
	return &res
}

func (h *workerHarness) put(t *testing.T, content string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	digest, err := h.seed.PutFileContent(ctx, []byte(content), "test fixture")
	must.NoError(t, err)
	return digest
}

type seedTestcase struct {
	codename string
	input    string
	output   string
}

// seedDataset stores a dataset row, seeding each testcase's input and
// expected output into the file store.
func (h *workerHarness) seedDataset(t *testing.T, taskType, params string, tcs ...seedTestcase) *structs.Dataset {
	t.Helper()

	testcases := make([]structs.Testcase, 0, len(tcs))
	for _, tc := range tcs {
		testcases = append(testcases, structs.Testcase{
			Codename:     tc.codename,
			InputDigest:  h.put(t, tc.input),
			OutputDigest: h.put(t, tc.output),
		})
	}

	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	ds := &structs.Dataset{
		ID:                 h.st.id(),
		TaskID:             1,
		Description:        "live",
		TimeLimit:          10,
		MemoryLimit:        256 << 20,
		TaskType:           taskType,
		TaskTypeParameters: json.RawMessage(params),
	}
	for i := range testcases {
		testcases[i].ID = h.st.id()
		testcases[i].DatasetID = ds.ID
	}
	ds.Testcases = testcases
	h.st.datasets[ds.ID] = ds
	return ds
}

// addTestcase appends a testcase to an already stored dataset, simulating a
// contest admin extending it while workers hold cached descriptors.
func (h *workerHarness) addTestcase(t *testing.T, datasetID int64, tc seedTestcase) {
	t.Helper()
	in := h.put(t, tc.input)
	out := h.put(t, tc.output)

	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	ds := h.st.datasets[datasetID]
	ds.Testcases = append(ds.Testcases, structs.Testcase{
		ID:           h.st.id(),
		DatasetID:    ds.ID,
		Codename:     tc.codename,
		InputDigest:  in,
		OutputDigest: out,
	})
}

func (h *workerHarness) seedSubmission(language string, files map[string]string) *structs.Submission {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	sub := &structs.Submission{
		ID:              h.st.id(),
		ParticipationID: 7,
		TaskID:          1,
		Timestamp:       time.Now(),
		Language:        language,
		Official:        true,
		Files:           files,
	}
	h.st.submissions[sub.ID] = sub
	return sub
}

func (h *workerHarness) seedUserTest(language string, files map[string]string, inputDigest string) *structs.UserTest {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	ut := &structs.UserTest{
		ID:              h.st.id(),
		ParticipationID: 7,
		TaskID:          1,
		Timestamp:       time.Now(),
		Language:        language,
		InputDigest:     inputDigest,
		Files:           files,
		Managers:        map[string]string{},
	}
	h.st.userTests[ut.ID] = ut
	return ut
}

func TestService_ExecuteJob_OutputOnly(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "OutputOnly", `["diff"]`,
		seedTestcase{"001", "", "42\n"},
		seedTestcase{"002", "", "42\n"},
		seedTestcase{"003", "", "42\n"},
	)
	sub := h.seedSubmission("", map[string]string{
		"output_001.txt": h.put(t, "42\n"),
		"output_002.txt": h.put(t, "41\n"),
	})

	job := structs.Job{Kind: structs.JobCompile, EntityID: sub.ID, DatasetID: ds.ID}
	res := h.executeJob(t, job)
	must.True(t, res.Success)
	must.Eq(t, job, res.Job)
	must.NotNil(t, res.Compilation)
	must.Eq(t, structs.CompilationOutcomeOK, res.Compilation.Outcome)
	must.Eq(t, "No compilation needed", res.Compilation.Text)

	res = h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "001",
	})
	must.True(t, res.Success)
	must.NotNil(t, res.Evaluation)
	must.Eq(t, "1.0", res.Evaluation.Outcome)
	must.Eq(t, "Output is correct", res.Evaluation.Text)

	res = h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "002",
	})
	must.True(t, res.Success)
	must.Eq(t, "0.0", res.Evaluation.Outcome)
	must.Eq(t, "Output isn't correct", res.Evaluation.Text)

	// Partial submissions are allowed; the missing answer scores zero.
	res = h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "003",
	})
	must.True(t, res.Success)
	must.Eq(t, "0.0", res.Evaluation.Outcome)
	must.Eq(t, "File not submitted", res.Evaluation.Text)
}

func TestService_ExecuteJob_Batch(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "Batch", `["alone", ["", ""], "diff"]`,
		seedTestcase{"001", "6 7\n", "42\n"},
	)
	script := "read a b\necho $((a * b))\n"
	sub := h.seedSubmission("sh", map[string]string{
		"solution.%l": h.put(t, script),
	})

	res := h.executeJob(t, structs.Job{Kind: structs.JobCompile, EntityID: sub.ID, DatasetID: ds.ID})
	must.True(t, res.Success)
	must.Eq(t, structs.CompilationOutcomeOK, res.Compilation.Outcome)
	must.MapLen(t, 1, res.Compilation.Executables)

	exeDigest, ok := res.Compilation.Executables["solution"]
	must.True(t, ok)
	must.True(t, filestore.ValidDigest(exeDigest))

	// The stored executable is the concatenated script, fetchable by
	// anyone talking to the file store.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	content, err := h.seed.GetFileContent(ctx, exeDigest)
	must.NoError(t, err)
	must.Eq(t, script, string(content))

	h.st.setExecutables(sub.ID, ds.ID, res.Compilation.Executables)

	res = h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "001",
	})
	must.True(t, res.Success)
	must.Eq(t, "1.0", res.Evaluation.Outcome)
	must.Eq(t, "Output is correct", res.Evaluation.Text)
}

func TestService_ExecuteJob_CompilationFailure(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "Batch", `["alone", ["", ""], "diff"]`,
		seedTestcase{"001", "6 7\n", "42\n"},
	)
	sub := h.seedSubmission("sh", map[string]string{
		"solution.%l": h.put(t, "fi\n"),
	})

	// A rejected source is a graded outcome, not an infrastructure
	// failure.
	res := h.executeJob(t, structs.Job{Kind: structs.JobCompile, EntityID: sub.ID, DatasetID: ds.ID})
	must.True(t, res.Success)
	must.Eq(t, structs.CompilationOutcomeFail, res.Compilation.Outcome)
	must.StrContains(t, res.Compilation.Text, "Compilation failed")
	must.MapEmpty(t, res.Compilation.Executables)
}

func TestService_ExecuteJob_Validation(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)

	cases := []struct {
		name    string
		job     structs.Job
		errText string
	}{
		{"unknown kind", structs.Job{Kind: "bake", EntityID: 1, DatasetID: 1}, "unknown job kind"},
		{"evaluate without testcase", structs.Job{Kind: structs.JobEvaluate, EntityID: 1, DatasetID: 1}, "requires a testcase"},
		{"compile with testcase", structs.Job{Kind: structs.JobCompile, EntityID: 1, DatasetID: 1, TestcaseCodename: "001"}, "does not take a testcase"},
		{"unset ids", structs.Job{Kind: structs.JobCompile}, "unset ids"},
	}
	for _, tc := range cases {
		var res structs.JobResult
		err := h.call(t, structs.WorkerMethodExecuteJob, &tc.job, &res)
		must.Error(t, err, must.Sprintf("case %q", tc.name))
		_, remote := rpc.IsRemoteError(err)
		must.True(t, remote, must.Sprintf("case %q", tc.name))
		must.StrContains(t, err.Error(), tc.errText)
	}
}

func TestService_ExecuteJob_MissingRows(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "OutputOnly", `["diff"]`, seedTestcase{"001", "", "42\n"})

	// Rows that vanished after dispatch come back as failed results so the
	// dispatcher keeps the diagnostic.
	res := h.executeJob(t, structs.Job{Kind: structs.JobCompile, EntityID: 4242, DatasetID: ds.ID})
	must.False(t, res.Success)
	must.StrContains(t, res.Text, "cannot load submission")
	must.Nil(t, res.Compilation)

	res = h.executeJob(t, structs.Job{Kind: structs.JobCompile, EntityID: 4242, DatasetID: 9999})
	must.False(t, res.Success)
	must.StrContains(t, res.Text, "cannot load dataset")
}

func TestService_ExecuteJob_BusyAndIgnore(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "Batch", `["alone", ["", ""], "diff"]`,
		seedTestcase{"001", "ignored\n", "never checked\n"},
	)
	sentinel := filepath.Join(t.TempDir(), "running")
	slow := h.put(t, "date > "+sentinel+"\nsleep 60\n")
	sub := h.seedSubmission("sh", map[string]string{"solution.%l": slow})
	h.st.setExecutables(sub.ID, ds.ID, map[string]string{"solution": slow})

	evalJob := structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "001",
	}

	resCh := make(chan *structs.JobResult, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var res structs.JobResult
		if err := h.worker.Call(ctx, structs.WorkerMethodExecuteJob, &evalJob, &res); err != nil {
			errCh <- err
			return
		}
		resCh <- &res
	}()

	// The script reports through the sentinel that it holds the job slot.
	testutil.WaitForResult(func() (bool, error) {
		if _, err := os.Stat(sentinel); err != nil {
			return false, fmt.Errorf("job not running yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("slow job never started: %v", err)
	})

	// A second job bounces off the busy slot without disturbing the first.
	err := h.call(t, structs.WorkerMethodExecuteJob, &evalJob, &structs.JobResult{})
	must.Error(t, err)
	must.True(t, structs.IsErrWorkerBusy(err))

	// Cancelling kills the run at the sandbox boundary well before its 60
	// second sleep; the reply is a failed result, not an RPC error.
	must.NoError(t, h.call(t, structs.WorkerMethodIgnoreJob, nil, nil))

	select {
	case res := <-resCh:
		must.False(t, res.Success)
	case err := <-errCh:
		t.Fatalf("cancelled job should reply with a result: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled job never returned")
	}

	// The slot is free again.
	must.NoError(t, h.call(t, structs.WorkerMethodExecuteJob, &structs.Job{
		Kind: structs.JobCompile, EntityID: sub.ID, DatasetID: ds.ID,
	}, &structs.JobResult{}))
}

func TestService_ExecuteJob_StaleDataset(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "OutputOnly", `["diff"]`, seedTestcase{"001", "", "42\n"})
	answer := h.put(t, "42\n")
	sub := h.seedSubmission("", map[string]string{
		"output_001.txt": answer,
		"output_002.txt": answer,
	})

	// Warm the worker's dataset cache.
	res := h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "001",
	})
	must.True(t, res.Success)

	// A testcase added behind the cached descriptor is found after the
	// reload.
	h.addTestcase(t, ds.ID, seedTestcase{"002", "", "42\n"})
	res = h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "002",
	})
	must.True(t, res.Success)
	must.Eq(t, "1.0", res.Evaluation.Outcome)

	// A codename that never existed still fails after the reload.
	res = h.executeJob(t, structs.Job{
		Kind: structs.JobEvaluate, EntityID: sub.ID, DatasetID: ds.ID, TestcaseCodename: "003",
	})
	must.False(t, res.Success)
	must.StrContains(t, res.Text, `no testcase "003"`)
}

func TestService_PrecacheFiles(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	d1 := h.put(t, "manager one")
	d2 := h.put(t, "testcase input")
	d3 := h.put(t, "testcase output")

	// The duplicate collapses in the wanted set.
	h.st.setContestDigests(5, []string{d1, d2, d3, d1})
	must.NoError(t, h.call(t, structs.WorkerMethodPrecacheFiles, &structs.PrecacheArgs{ContestID: 5}, nil))

	cacheObjects := filepath.Join(h.cfg.CacheDir,
		fmt.Sprintf("fs-cache-%s-0", structs.ServiceNameWorker), "objects")
	for _, digest := range []string{d1, d2, d3} {
		_, err := os.Stat(filepath.Join(cacheObjects, digest))
		must.NoError(t, err)
	}

	// A file nobody stored fails the call but does not stop the sweep.
	d4 := h.put(t, "late addition")
	absent := strings.Repeat("d", 40)
	h.st.setContestDigests(6, []string{d4, absent})
	err := h.call(t, structs.WorkerMethodPrecacheFiles, &structs.PrecacheArgs{ContestID: 6}, nil)
	must.Error(t, err)
	must.StrContains(t, err.Error(), absent)
	_, err = os.Stat(filepath.Join(cacheObjects, d4))
	must.NoError(t, err)
}

func TestService_UserTestLifecycle(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "Batch", `["alone", ["", ""], "diff"]`,
		seedTestcase{"001", "unused\n", "unused\n"},
	)
	ut := h.seedUserTest("sh",
		map[string]string{"solution.%l": h.put(t, "echo hello from the test\n")},
		h.put(t, "my own input\n"))

	res := h.executeJob(t, structs.Job{Kind: structs.JobTestCompile, EntityID: ut.ID, DatasetID: ds.ID})
	must.True(t, res.Success)
	must.Eq(t, structs.CompilationOutcomeOK, res.Compilation.Outcome)
	must.MapLen(t, 1, res.Compilation.Executables)

	h.st.setUserTestResult(&structs.UserTestResult{
		UserTestID:         ut.ID,
		DatasetID:          ds.ID,
		CompilationOutcome: structs.CompilationOutcomeOK,
		Executables:        res.Compilation.Executables,
	})

	res = h.executeJob(t, structs.Job{Kind: structs.JobTestEvaluate, EntityID: ut.ID, DatasetID: ds.ID})
	must.True(t, res.Success)
	must.Eq(t, structs.EvaluationOutcomeOK, res.Evaluation.Outcome)
	must.Eq(t, "Execution completed successfully", res.Evaluation.Text)
	must.True(t, filestore.ValidDigest(res.Evaluation.UserOutputDigest))

	// The captured stdout is the artifact shown to the contestant.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	output, err := h.seed.GetFileContent(ctx, res.Evaluation.UserOutputDigest)
	must.NoError(t, err)
	must.Eq(t, "hello from the test\n", string(output))
}

func TestService_UserTest_NotTestable(t *testing.T) {
	ci.Parallel(t)

	h := newWorkerHarness(t)
	ds := h.seedDataset(t, "OutputOnly", `["diff"]`, seedTestcase{"001", "", "42\n"})
	ut := h.seedUserTest("", map[string]string{}, h.put(t, "input\n"))

	res := h.executeJob(t, structs.Job{Kind: structs.JobTestCompile, EntityID: ut.ID, DatasetID: ds.ID})
	must.False(t, res.Success)
	must.StrContains(t, res.Text, "does not support user tests")

	res = h.executeJob(t, structs.Job{Kind: structs.JobTestEvaluate, EntityID: ut.ID, DatasetID: ds.ID})
	must.False(t, res.Success)
	must.StrContains(t, res.Text, "does not support user tests")
}

func TestUserTestCompileManagers(t *testing.T) {
	ci.Parallel(t)

	ut := &structs.UserTest{
		Language: "c",
		Managers: map[string]string{"grader.c": "grader-digest"},
	}
	ds := &structs.Dataset{
		Managers: map[string]string{
			"lib.h":   "header-digest",
			"checker": "checker-digest",
		},
	}

	// Only header files cross over from the dataset.
	got := userTestCompileManagers(ut, ds)
	must.Eq(t, map[string]string{
		"grader.c": "grader-digest",
		"lib.h":    "header-digest",
	}, got)

	// An unknown language keeps the contestant's managers untouched.
	ut.Language = "martian"
	got = userTestCompileManagers(ut, ds)
	must.Eq(t, map[string]string{"grader.c": "grader-digest"}, got)
}
