package execution

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gobii_runner/internal/gobii"
	"gobii_runner/internal/model"
	"gobii_runner/internal/store"
)

// fakeClient replays a scripted sequence of fetch results per task id.
// The last scripted result repeats once the script is exhausted.
type fakeClient struct {
	mu          sync.Mutex
	submitRef   gobii.TaskRef
	submitErr   error
	onSubmit    func()
	submits     []string
	scripts     map[string][]fetchResult
	fetchCalls  map[string]int
	fetchCalled chan string
}

type fetchResult struct {
	ref gobii.TaskRef
	err error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		scripts:     make(map[string][]fetchResult),
		fetchCalls:  make(map[string]int),
		fetchCalled: make(chan string, 100),
	}
}

func (f *fakeClient) script(id string, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = results
}

func (f *fakeClient) Submit(ctx context.Context, prompt string, schema *model.OutputSchema) (gobii.TaskRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, prompt)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.submitErr != nil {
		return gobii.TaskRef{}, f.submitErr
	}
	return f.submitRef, nil
}

func (f *fakeClient) FetchStatus(ctx context.Context, id string) (gobii.TaskRef, error) {
	f.mu.Lock()
	n := f.fetchCalls[id]
	f.fetchCalls[id] = n + 1
	script := f.scripts[id]
	f.mu.Unlock()

	select {
	case f.fetchCalled <- id:
	default:
	}

	if len(script) == 0 {
		return gobii.TaskRef{ID: id, Status: model.TaskStatusInProgress}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	r := script[n]
	if r.ref.ID == "" {
		r.ref.ID = id
	}
	return r.ref, r.err
}

func (f *fakeClient) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[id]
}

func (f *fakeClient) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := len(f.submits)
	for _, n := range f.fetchCalls {
		total += n
	}
	return total
}

// recorder collects every event
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	service  *Service
	client   *fakeClient
	store    *store.MemoryStore
	ledger   *store.Ledger
	recorder *recorder
}

func newTestEnv(t *testing.T, interval time.Duration) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.Set(context.Background(), "test-key")
	ledger := store.NewLedger(ms)
	client := newFakeClient()
	rec := &recorder{}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc := NewService(&Config{
		Ledger:       ledger,
		Client:       client,
		Credentials:  ms,
		Notifier:     rec,
		Logger:       logrus.NewEntry(logger),
		PollInterval: interval,
	})
	t.Cleanup(svc.Stop)
	return &testEnv{service: svc, client: client, store: ms, ledger: ledger, recorder: rec}
}

func (e *testEnv) addTask(t *testing.T, task model.Task) {
	t.Helper()
	if _, err := e.ledger.Add(context.Background(), task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
}

func (e *testEnv) task(t *testing.T, id string) model.Task {
	t.Helper()
	task, err := e.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return task
}

// waitIdle waits until no poller holds id
func waitIdle(t *testing.T, reg *Registry, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.IsActive(id) {
		if time.Now().After(deadline) {
			t.Fatalf("Poller for %s still active", id)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitEvents waits until at least n events of type et were recorded
func waitEvents(t *testing.T, r *recorder, et EventType, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(r.ofType(et)) < n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d %s events, got %d", n, et, len(r.ofType(et)))
		}
		time.Sleep(time.Millisecond)
	}
}

func waitFetch(t *testing.T, c *fakeClient, id string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-c.fetchCalled:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("Expected a fetch for %s", id)
		}
	}
}

func TestRun_SubmitsAndPollsToCompletion(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	env.addTask(t, model.Task{ID: "local-1", Name: "hello", Prompt: "hello"})
	env.client.submitRef = gobii.TaskRef{ID: "t1", Status: model.TaskStatusPending}
	env.client.script("t1",
		fetchResult{ref: gobii.TaskRef{Status: model.TaskStatusInProgress}},
		fetchResult{ref: gobii.TaskRef{Status: model.TaskStatusCompleted, Result: strPtr("done")}},
	)

	task, err := env.service.Run(context.Background(), "local-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if task.ID != "t1" {
		t.Errorf("Expected id t1, got %s", task.ID)
	}
	if task.Status != model.TaskStatusPending {
		t.Errorf("Expected status pending after submit, got %s", task.Status)
	}

	waitIdle(t, env.service.Registry(), "t1")
	waitEvents(t, env.recorder, EventTaskFinished, 1)

	final := env.task(t, "t1")
	if final.Status != model.TaskStatusCompleted {
		t.Errorf("Expected status completed, got %s", final.Status)
	}
	if final.LastResult != "done" {
		t.Errorf("Expected lastResult 'done', got '%s'", final.LastResult)
	}
	if _, err := env.ledger.Get(context.Background(), "local-1"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Expected provisional id to be gone, got %v", err)
	}

	submitted := env.recorder.ofType(EventTaskSubmitted)
	if len(submitted) != 1 || submitted[0].PreviousID != "local-1" || submitted[0].TaskID != "t1" {
		t.Errorf("Expected one submitted event local-1 -> t1, got %+v", submitted)
	}
	if n := len(env.recorder.ofType(EventTaskFinished)); n != 1 {
		t.Errorf("Expected 1 finished event, got %d", n)
	}
	if n := len(env.recorder.ofType(EventTaskStatus)); n != 1 {
		t.Errorf("Expected 1 status event, got %d", n)
	}
}

// ctxStore fails every collection access once the caller's context is done
type ctxStore struct {
	*store.MemoryStore
}

func (s ctxStore) Load(ctx context.Context) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Load(ctx)
}

func (s ctxStore) Save(ctx context.Context, tasks []model.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Save(ctx, tasks)
}

func (s ctxStore) Modify(ctx context.Context, fn store.ModifyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Modify(ctx, fn)
}

func TestRun_CancelledAfterSubmitKeepsServerID(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Set(context.Background(), "test-key")
	ledger := store.NewLedger(ctxStore{ms})
	if _, err := ledger.Add(context.Background(), model.Task{ID: "local-1", Prompt: "p"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newFakeClient()
	client.submitRef = gobii.TaskRef{ID: "t1", Status: model.TaskStatusPending}
	client.onSubmit = cancel

	svc := NewService(&Config{
		Ledger:       ledger,
		Client:       client,
		Credentials:  ms,
		Logger:       discardLogger(),
		PollInterval: time.Hour,
	})
	t.Cleanup(svc.Stop)

	task, err := svc.Run(ctx, "local-1")
	if err != nil {
		t.Fatalf("Expected Run to succeed after a remote accept, got %v", err)
	}
	if task.ID != "t1" {
		t.Errorf("Expected id t1, got %s", task.ID)
	}

	stored, err := ledger.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Expected server id to be stored, got %v", err)
	}
	if stored.Status != model.TaskStatusPending {
		t.Errorf("Expected status pending, got %s", stored.Status)
	}
	if _, err := ledger.Get(context.Background(), "local-1"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Expected provisional id to be gone, got %v", err)
	}
	if !svc.Registry().IsActive("t1") {
		t.Error("Expected a poller for t1")
	}
}

func TestRun_SubmitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", &gobii.AuthError{Err: gobii.ErrMissingAPIKey}},
		{"server", &gobii.ServerError{StatusCode: 500}},
		{"transport", &gobii.TransportError{Err: errors.New("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, time.Millisecond)
			env.addTask(t, model.Task{ID: "local-1", Prompt: "p", Status: model.TaskStatusCompleted, LastResult: "old"})
			env.client.submitErr = tt.err

			task, err := env.service.Run(context.Background(), "local-1")
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected %v, got %v", tt.err, err)
			}
			if task.ID != "local-1" {
				t.Errorf("Expected task with old id, got '%s'", task.ID)
			}

			stored := env.task(t, "local-1")
			if stored.Status != model.TaskStatusPending {
				t.Errorf("Expected status pending, got %s", stored.Status)
			}
			if stored.LastResult != "old" {
				t.Errorf("Expected previous result to be kept, got '%s'", stored.LastResult)
			}
			if env.service.Registry().Len() != 0 {
				t.Errorf("Expected no pollers, got %v", env.service.Registry().Active())
			}
		})
	}
}

func TestRun_UnknownTask(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	if _, err := env.service.Run(context.Background(), "missing"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
	if n := env.client.totalCalls(); n != 0 {
		t.Errorf("Expected no remote calls, got %d", n)
	}
}

func TestPoll_TerminalStatuses(t *testing.T) {
	tests := []struct {
		name       string
		ref        gobii.TaskRef
		wantStatus model.TaskStatus
		wantResult string
	}{
		{"failed", gobii.TaskRef{Status: model.TaskStatusFailed, Result: strPtr("ignored")}, model.TaskStatusFailed, "Failed"},
		{"cancelled", gobii.TaskRef{Status: model.TaskStatusCancelled}, model.TaskStatusCancelled, "Cancelled"},
		{"completed without result", gobii.TaskRef{Status: model.TaskStatusCompleted}, model.TaskStatusCompleted, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, time.Millisecond)
			env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusInProgress, LastResult: "stale"})
			env.client.script("t1", fetchResult{ref: tt.ref})

			if !env.service.StartPolling("t1") {
				t.Fatal("Expected poller to start")
			}
			waitIdle(t, env.service.Registry(), "t1")

			final := env.task(t, "t1")
			if final.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, final.Status)
			}
			if final.LastResult != tt.wantResult {
				t.Errorf("Expected lastResult %q, got %q", tt.wantResult, final.LastResult)
			}
			if n := env.client.calls("t1"); n != 1 {
				t.Errorf("Expected 1 fetch, got %d", n)
			}
		})
	}
}

func TestPoll_FetchErrorStopsLoop(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusPending})
	transportErr := &gobii.TransportError{Err: errors.New("reset by peer")}
	env.client.script("t1",
		fetchResult{ref: gobii.TaskRef{Status: model.TaskStatusInProgress}},
		fetchResult{err: transportErr},
		fetchResult{ref: gobii.TaskRef{Status: model.TaskStatusCompleted, Result: strPtr("never")}},
	)

	env.service.StartPolling("t1")
	waitIdle(t, env.service.Registry(), "t1")

	final := env.task(t, "t1")
	if final.Status != model.TaskStatusInProgress {
		t.Errorf("Expected status in_progress, got %s", final.Status)
	}
	if final.LastResult != "" {
		t.Errorf("Expected no lastResult, got '%s'", final.LastResult)
	}
	if n := env.client.calls("t1"); n != 2 {
		t.Errorf("Expected 2 fetches, got %d", n)
	}

	errs := env.recorder.ofType(EventPollError)
	if len(errs) != 1 || errs[0].TaskID != "t1" || errs[0].Error == "" {
		t.Errorf("Expected one poll error event for t1, got %+v", errs)
	}
}

func TestPoll_UnknownStatusKeepsRecord(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusInProgress})
	env.client.script("t1",
		fetchResult{ref: gobii.TaskRef{Status: model.TaskStatus("queued")}},
		fetchResult{ref: gobii.TaskRef{Status: model.TaskStatusCompleted, Result: strPtr("ok")}},
	)

	env.service.StartPolling("t1")
	waitIdle(t, env.service.Registry(), "t1")

	if n := env.client.calls("t1"); n != 2 {
		t.Errorf("Expected polling to continue past unknown status, got %d fetches", n)
	}
	statuses := env.recorder.ofType(EventTaskStatus)
	if len(statuses) != 1 || statuses[0].Task.Status != model.TaskStatusInProgress {
		t.Errorf("Expected one status event with in_progress, got %+v", statuses)
	}
	if final := env.task(t, "t1"); final.LastResult != "ok" {
		t.Errorf("Expected lastResult 'ok', got '%s'", final.LastResult)
	}
}

func TestPoll_DeletedTaskStopsPoller(t *testing.T) {
	env := newTestEnv(t, 10*time.Millisecond)
	env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusInProgress})

	env.service.StartPolling("t1")
	waitFetch(t, env.client, "t1")

	if err := env.service.DeleteTask(context.Background(), "t1"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	waitIdle(t, env.service.Registry(), "t1")

	if n := len(env.recorder.ofType(EventPollError)); n != 0 {
		t.Errorf("Expected no poll errors, got %d", n)
	}
	if n := len(env.recorder.ofType(EventTaskDeleted)); n != 1 {
		t.Errorf("Expected 1 deleted event, got %d", n)
	}
}

func TestStartPolling_Deduplicates(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusInProgress})

	if !env.service.StartPolling("t1") {
		t.Fatal("Expected first StartPolling to succeed")
	}
	if env.service.StartPolling("t1") {
		t.Error("Expected second StartPolling to be refused")
	}
	waitFetch(t, env.client, "t1")

	if n := env.client.calls("t1"); n != 1 {
		t.Errorf("Expected 1 fetch, got %d", n)
	}
}

func TestPoll_FinishedAfterRelease(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.Set(context.Background(), "test-key")
	ledger := store.NewLedger(ms)
	ledger.Add(context.Background(), model.Task{ID: "t1", Status: model.TaskStatusInProgress})

	client := newFakeClient()
	client.script("t1", fetchResult{ref: gobii.TaskRef{Status: model.TaskStatusCompleted, Result: strPtr("ok")}})

	var svc *Service
	activeAtFinish := make(chan bool, 1)
	svc = NewService(&Config{
		Ledger:      ledger,
		Client:      client,
		Credentials: ms,
		Notifier: NotifierFunc(func(e Event) {
			if e.Type == EventTaskFinished {
				activeAtFinish <- svc.Registry().IsActive(e.TaskID)
			}
		}),
		Logger:       discardLogger(),
		PollInterval: time.Millisecond,
	})
	t.Cleanup(svc.Stop)

	if !svc.StartPolling("t1") {
		t.Fatal("Expected poller to start")
	}
	select {
	case active := <-activeAtFinish:
		if active {
			t.Error("Expected t1 to be released before the finished event")
		}
		if !svc.StartPolling("t1") {
			t.Error("Expected a finished listener to be able to poll t1 again")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a finished event")
	}
}

func TestStartPolling_AfterStop(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusPending})

	env.service.Stop()

	if env.service.StartPolling("t1") {
		t.Error("Expected StartPolling to be refused after Stop")
	}
	if n := env.service.ScanAll(context.Background()); n != 0 {
		t.Errorf("Expected scan after Stop to start 0 pollers, got %d", n)
	}
	if n := env.service.Registry().Len(); n != 0 {
		t.Errorf("Expected empty registry, got %d", n)
	}
	if n := env.client.totalCalls(); n != 0 {
		t.Errorf("Expected no remote calls, got %d", n)
	}
	// second Stop is a no-op
	env.service.Stop()
}

func TestScanAll(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	for _, task := range []model.Task{
		{ID: "new"},
		{ID: "p", Status: model.TaskStatusPending},
		{ID: "r", Status: model.TaskStatusInProgress},
		{ID: "c", Status: model.TaskStatusCompleted},
		{ID: "f", Status: model.TaskStatusFailed},
		{ID: "x", Status: model.TaskStatusCancelled},
	} {
		env.addTask(t, task)
	}

	if n := env.service.ScanAll(context.Background()); n != 2 {
		t.Fatalf("Expected 2 pollers, got %d", n)
	}
	active := env.service.Registry().Active()
	if len(active) != 2 || active[0] != "p" || active[1] != "r" {
		t.Errorf("Expected [p r], got %v", active)
	}

	if n := env.service.ScanAll(context.Background()); n != 0 {
		t.Errorf("Expected repeated scan to start 0 pollers, got %d", n)
	}
	if env.service.Registry().Len() != 2 {
		t.Errorf("Expected 2 active pollers, got %d", env.service.Registry().Len())
	}
}

func TestScanAll_NoCredential(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	env.store.Delete(context.Background())
	env.addTask(t, model.Task{ID: "a", Status: model.TaskStatusPending})
	env.addTask(t, model.Task{ID: "b", Status: model.TaskStatusPending})

	if n := env.service.ScanAll(context.Background()); n != 0 {
		t.Errorf("Expected 0 pollers, got %d", n)
	}
	if n := env.client.totalCalls(); n != 0 {
		t.Errorf("Expected no remote calls, got %d", n)
	}
	if n := env.service.Registry().Len(); n != 0 {
		t.Errorf("Expected empty registry, got %d", n)
	}
}

func TestStop_LeavesTasksResumable(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.addTask(t, model.Task{ID: "t1", Status: model.TaskStatusPending})

	env.service.StartPolling("t1")
	waitFetch(t, env.client, "t1")

	done := make(chan struct{})
	go func() {
		env.service.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if env.service.Registry().Len() != 0 {
		t.Errorf("Expected empty registry after stop, got %v", env.service.Registry().Active())
	}
	if final := env.task(t, "t1"); !final.Status.IsActive() {
		t.Errorf("Expected task to stay active, got %s", final.Status)
	}
}

func TestTaskCRUD(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	ctx := context.Background()
	schema := model.ObjectSchema(map[string]*model.OutputSchema{"n": model.NumberSchema()})

	created, err := env.service.CreateTask(ctx, TaskDefinition{Name: "A", Prompt: "do a", OutputSchema: schema})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Expected a generated id")
	}
	if created.Status != model.TaskStatusNone {
		t.Errorf("Expected no status on a new task, got %s", created.Status)
	}
	schema.Properties["n"] = model.StringSchema()
	if got := env.task(t, created.ID).OutputSchema.Properties["n"].Type; got != model.SchemaTypeNumber {
		t.Errorf("Expected stored schema to be isolated from caller, got %s", got)
	}

	env.ledger.Update(ctx, created.ID, func(task *model.Task) error {
		task.Status = model.TaskStatusCompleted
		task.LastResult = "r"
		return nil
	})

	edited, err := env.service.EditTask(ctx, created.ID, TaskDefinition{Name: "B", Prompt: "do b"})
	if err != nil {
		t.Fatalf("EditTask failed: %v", err)
	}
	if edited.Name != "B" || edited.Prompt != "do b" || edited.OutputSchema != nil {
		t.Errorf("Expected edited fields, got %+v", edited)
	}
	if edited.Status != model.TaskStatusCompleted || edited.LastResult != "r" {
		t.Errorf("Expected status and result to be kept, got %s/%s", edited.Status, edited.LastResult)
	}

	list, _ := env.service.ListTasks(ctx)
	if len(list) != 1 {
		t.Errorf("Expected 1 task, got %d", len(list))
	}

	if err := env.service.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := env.service.GetTask(ctx, created.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}

	if n := len(env.recorder.ofType(EventTaskAdded)); n != 1 {
		t.Errorf("Expected 1 added event, got %d", n)
	}
	if n := len(env.recorder.ofType(EventTaskUpdated)); n != 1 {
		t.Errorf("Expected 1 updated event, got %d", n)
	}
}

func TestReloaded(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	env.service.Reloaded()
	if n := len(env.recorder.ofType(EventTasksReloaded)); n != 1 {
		t.Errorf("Expected 1 reloaded event, got %d", n)
	}
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(&Config{Ledger: store.NewLedger(store.NewMemoryStore())})
	defer svc.Stop()

	if svc.pollInterval != DefaultPollInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultPollInterval, svc.pollInterval)
	}
	// nil credentials: scan is a no-op
	if n := svc.ScanAll(context.Background()); n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
	svc.Reloaded()
}

func strPtr(s string) *string { return &s }
