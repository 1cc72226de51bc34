// ABOUTME: Tests for the image generation job orchestrator.
// ABOUTME: Covers submission, polling budgets, artifact storage, and finalization.

package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reklamaton/avatar-gateway/internal/imagegen"
	"github.com/reklamaton/avatar-gateway/internal/store"
)

// fakeJobStore records finalizations with the same single-assignment
// semantics as the real store.
type fakeJobStore struct {
	mu        sync.Mutex
	status    map[string]string
	imageRef  map[string]string
	finalized int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		status:   make(map[string]string),
		imageRef: make(map[string]string),
	}
}

func (f *fakeJobStore) FinalizeAvatarImage(ctx context.Context, avatarID, status, imageRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, terminal := f.status[avatarID]; terminal {
		return false, nil
	}
	f.status[avatarID] = status
	f.imageRef[avatarID] = imageRef
	f.finalized++
	return true, nil
}

func (f *fakeJobStore) finalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

func (f *fakeJobStore) get(avatarID string) (string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[avatarID]
	return status, f.imageRef[avatarID], ok
}

// fakeJobClient serves a scripted sequence of poll results.
type fakeJobClient struct {
	mu        sync.Mutex
	submitErr error
	polls     []pollResult
	pollCalls int
}

type pollResult struct {
	status *imagegen.Status
	err    error
}

func (f *fakeJobClient) Submit(ctx context.Context, prompt string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeJobClient) Poll(ctx context.Context, jobID string) (*imagegen.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.pollCalls
	f.pollCalls++
	if idx >= len(f.polls) {
		// keep reporting the last scripted result
		idx = len(f.polls) - 1
	}
	return f.polls[idx].status, f.polls[idx].err
}

func (f *fakeJobClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

// fakeArtifacts stores artifact names in memory.
type fakeArtifacts struct {
	mu      sync.Mutex
	saveErr error
	saved   []string
}

func (f *fakeArtifacts) Save(ctx context.Context, payload, name string) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, name)
	return "/assets/" + name, nil
}

func newTestOrchestrator(t *testing.T, js *fakeJobStore, jc *fakeJobClient, fa *fakeArtifacts) *Orchestrator {
	t.Helper()
	o := New(js, jc, fa, Options{
		PollInterval:  time.Millisecond,
		PollAttempts:  3,
		MaxConcurrent: 2,
	}, nil)
	t.Cleanup(o.Close)
	return o
}

func waitTerminal(t *testing.T, js *fakeJobStore, avatarID string) (string, string) {
	t.Helper()
	var status, ref string
	require.Eventually(t, func() bool {
		var ok bool
		status, ref, ok = js.get(avatarID)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "job never reached a terminal status")
	return status, ref
}

func TestLaunch_SuccessfulJob(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StatePending}},
		{status: &imagegen.Status{State: imagegen.StateDone, Artifacts: []string{"aGVsbG8="}}},
	}}
	fa := &fakeArtifacts{}
	o := newTestOrchestrator(t, js, jc, fa)

	o.Launch("avatar-1", "portrait of a fox")

	status, ref := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusReady, status)
	assert.Equal(t, "/assets/avatar-avatar-1-1.png", ref)
	assert.Equal(t, []string{"avatar-avatar-1-1.png"}, fa.saved)
}

func TestLaunch_MultipleArtifactsFirstWins(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{
			State:     imagegen.StateDone,
			Artifacts: []string{"one", "two", "three"},
		}},
	}}
	fa := &fakeArtifacts{}
	o := newTestOrchestrator(t, js, jc, fa)

	o.Launch("avatar-1", "prompt")

	status, ref := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusReady, status)
	assert.Equal(t, "/assets/avatar-avatar-1-1.png", ref)
	assert.Len(t, fa.saved, 3)
}

func TestLaunch_SubmissionFailure(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{submitErr: errors.New("service down")}
	o := newTestOrchestrator(t, js, jc, &fakeArtifacts{})

	o.Launch("avatar-1", "prompt")

	status, ref := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusFailed, status)
	assert.Empty(t, ref)
	assert.Zero(t, jc.calls(), "no polls after failed submission")
}

func TestLaunch_JobErrorState(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StateError}},
	}}
	o := newTestOrchestrator(t, js, jc, &fakeArtifacts{})

	o.Launch("avatar-1", "prompt")

	status, _ := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusFailed, status)
}

func TestLaunch_BudgetExhausted(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StatePending}},
	}}
	o := newTestOrchestrator(t, js, jc, &fakeArtifacts{})

	o.Launch("avatar-1", "prompt")

	status, _ := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusFailed, status)
	assert.Equal(t, 3, jc.calls(), "polling stops at the attempt budget")
}

func TestLaunch_PollErrorsConsumeAttempts(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{err: errors.New("timeout")},
	}}
	o := newTestOrchestrator(t, js, jc, &fakeArtifacts{})

	o.Launch("avatar-1", "prompt")

	status, _ := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusFailed, status)
	assert.Equal(t, 3, jc.calls())
}

func TestLaunch_NoArtifacts(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StateDone}},
	}}
	o := newTestOrchestrator(t, js, jc, &fakeArtifacts{})

	o.Launch("avatar-1", "prompt")

	status, _ := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusFailed, status)
}

func TestLaunch_ArtifactSaveFailure(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StateDone, Artifacts: []string{"img"}}},
	}}
	fa := &fakeArtifacts{saveErr: errors.New("disk full")}
	o := newTestOrchestrator(t, js, jc, fa)

	o.Launch("avatar-1", "prompt")

	status, _ := waitTerminal(t, js, "avatar-1")
	assert.Equal(t, store.ImageStatusFailed, status)
}

func TestLaunch_ConcurrentJobsIndependent(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StateDone, Artifacts: []string{"img"}}},
	}}
	o := newTestOrchestrator(t, js, jc, &fakeArtifacts{})

	for i := 0; i < 5; i++ {
		o.Launch(fmt.Sprintf("avatar-%d", i), "prompt")
	}

	for i := 0; i < 5; i++ {
		status, _ := waitTerminal(t, js, fmt.Sprintf("avatar-%d", i))
		assert.Equal(t, store.ImageStatusReady, status)
	}
	assert.Equal(t, 5, js.finalCount())
}

func TestClose_WaitsForRunningJobs(t *testing.T) {
	js := newFakeJobStore()
	jc := &fakeJobClient{polls: []pollResult{
		{status: &imagegen.Status{State: imagegen.StateDone, Artifacts: []string{"img"}}},
	}}
	o := New(js, jc, &fakeArtifacts{}, Options{
		PollInterval:  time.Millisecond,
		PollAttempts:  3,
		MaxConcurrent: 1,
	}, nil)

	o.Launch("avatar-1", "prompt")
	waitTerminal(t, js, "avatar-1")
	o.Close()

	// Close returns only after every launched job terminated
	status, _, ok := js.get("avatar-1")
	require.True(t, ok)
	assert.Equal(t, store.ImageStatusReady, status)
}
