package gpu

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

type fakeBackend struct {
	mu          sync.Mutex
	busy        bool
	freeMB      int
	freedMemory int
	busyErr     error
	freeErr     error
}

func (f *fakeBackend) IsBusy(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy, f.busyErr
}

func (f *fakeBackend) FreeVRAMMB(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeMB, f.freeErr
}

func (f *fakeBackend) FreeMemory(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freedMemory++
	f.freeMB += 2000
	return nil
}

func TestRouteOfStaticTable(t *testing.T) {
	assert.Equal(t, GPUAccelA, RouteOf(TaskImageGeneration))
	assert.Equal(t, GPUAccelA, RouteOf(TaskVideoGeneration))
	assert.Equal(t, GPUAccelA, RouteOf(TaskTraining))
	assert.Equal(t, GPUAccelA, RouteOf(TaskVisionTagging))
	assert.Equal(t, GPUAccelB, RouteOf(TaskLLMInference))
	assert.Equal(t, GPUAccelB, RouteOf(TaskEmbeddings))
	assert.Equal(t, GPUAccelB, RouteOf(TaskImageClassification))
}

func TestAdmitGPUBAlwaysAdmits(t *testing.T) {
	backend := &fakeBackend{busy: true, freeMB: 0}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 4000})

	d, err := router.Admit(context.Background(), TaskLLMInference)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestAdmitGPUABusyDenies(t *testing.T) {
	backend := &fakeBackend{busy: true, freeMB: 8000}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 4000})

	d, err := router.Admit(context.Background(), TaskImageGeneration)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, "backend busy", d.Reason)
}

func TestAdmitGPUASufficientVRAM(t *testing.T) {
	backend := &fakeBackend{busy: false, freeMB: 8000}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 4000})

	d, err := router.Admit(context.Background(), TaskImageGeneration)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, 8000, d.FreeMB)
}

func TestAdmitGPUAReclaimsMemoryWhenLow(t *testing.T) {
	backend := &fakeBackend{busy: false, freeMB: 1000}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 2500})

	d, err := router.Admit(context.Background(), TaskImageGeneration)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, backend.freedMemory)
	assert.Equal(t, 3000, d.FreeMB)
}

func TestAdmitGPUAStillInsufficientAfterReclaim(t *testing.T) {
	backend := &fakeBackend{busy: false, freeMB: 100}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 8000})

	d, err := router.Admit(context.Background(), TaskImageGeneration)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, "insufficient VRAM after reclaim attempt", d.Reason)
}

func TestAdmitPropagatesBackendError(t *testing.T) {
	backend := &fakeBackend{busyErr: errors.New("backend unreachable")}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 4000})

	_, err := router.Admit(context.Background(), TaskImageGeneration)
	assert.Error(t, err)
}

func TestAcquireReleasesSlotOnDenial(t *testing.T) {
	backend := &fakeBackend{busy: true, freeMB: 8000}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 4000})

	release, d, err := router.Acquire(context.Background(), TaskImageGeneration)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	release() // must not panic even though the slot was already released internally

	// A second Acquire must not deadlock: the semaphore slot was freed.
	backend.busy = false
	release2, d2, err := router.Acquire(context.Background(), TaskImageGeneration)
	require.NoError(t, err)
	assert.True(t, d2.Admitted)
	release2()
}

func TestSnapshotReportsAvailability(t *testing.T) {
	backend := &fakeBackend{busy: false, freeMB: 9000}
	router := New(backend, config.GPUConfig{MinFreeVRAMMB: 4000})

	snap := router.Snapshot(context.Background())
	assert.False(t, snap.GPUABusy)
	assert.Equal(t, 9000, snap.GPUAFreeMB)
	assert.True(t, snap.GPUAAvailable)
}
