package targeting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

type scriptedDirectory struct {
	mu    sync.Mutex
	fail  bool
	calls int
	users []string
}

func (d *scriptedDirectory) answer() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("directory down")
	}
	return d.users, nil
}

func (d *scriptedDirectory) AllUsers(context.Context) ([]string, error) { return d.answer() }
func (d *scriptedDirectory) UsersByRole(context.Context, []string) ([]string, error) {
	return d.answer()
}
func (d *scriptedDirectory) UsersByProduct(context.Context, []string) ([]string, error) {
	return d.answer()
}

func (d *scriptedDirectory) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *scriptedDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testResolver(t *testing.T, d Directory) *DirectoryResolver {
	t.Helper()
	return NewDirectoryResolver(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveSelectedSkipsDirectory(t *testing.T) {
	d := &scriptedDirectory{}
	r := testResolver(t, d)

	res, err := r.Resolve(context.Background(), model.TargetSpec{
		Kind: model.TargetSelected,
		IDs:  []string{"u1", "u2", "u1", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, res.UserIDs)
	assert.False(t, res.Degraded)
	assert.Zero(t, d.callCount())

	_, err = r.Resolve(context.Background(), model.TargetSpec{Kind: model.TargetSelected})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestResolveAllHitsDirectory(t *testing.T) {
	d := &scriptedDirectory{users: []string{"u1", "u2", "u2"}}
	r := testResolver(t, d)

	res, err := r.Resolve(context.Background(), model.TargetSpec{Kind: model.TargetAll})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, res.UserIDs)
	assert.False(t, res.Degraded)
	assert.Equal(t, 1, d.callCount())
}

func TestResolveServesSnapshotWhenDirectoryFails(t *testing.T) {
	d := &scriptedDirectory{users: []string{"u1", "u2"}}
	r := testResolver(t, d)

	// A healthy call warms the snapshot for this audience.
	_, err := r.Resolve(context.Background(), model.TargetSpec{Kind: model.TargetAll})
	require.NoError(t, err)

	d.setFail(true)
	res, err := r.Resolve(context.Background(), model.TargetSpec{Kind: model.TargetAll})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"u1", "u2"}, res.UserIDs)
}

func TestResolveFailsWithoutSnapshot(t *testing.T) {
	d := &scriptedDirectory{fail: true}
	r := testResolver(t, d)

	_, err := r.Resolve(context.Background(), model.TargetSpec{Kind: model.TargetAll})
	assert.ErrorIs(t, err, model.ErrDirectoryDegraded)
}

func TestBreakerStopsHammeringDirectory(t *testing.T) {
	d := &scriptedDirectory{fail: true}
	r := testResolver(t, d)

	for i := 0; i < 6; i++ {
		_, err := r.Resolve(context.Background(), model.TargetSpec{Kind: model.TargetAll})
		assert.ErrorIs(t, err, model.ErrDirectoryDegraded)
	}
	// Three consecutive failures trip the breaker; subsequent resolutions
	// fail fast without reaching the directory.
	assert.Equal(t, 3, d.callCount())
}

func TestSnapshotKeyIgnoresIDOrder(t *testing.T) {
	d := &scriptedDirectory{users: []string{"u9"}}
	r := testResolver(t, d)

	_, err := r.Resolve(context.Background(), model.TargetSpec{
		Kind: model.TargetRole, IDs: []string{"support", "admin"},
	})
	require.NoError(t, err)

	d.setFail(true)
	res, err := r.Resolve(context.Background(), model.TargetSpec{
		Kind: model.TargetRole, IDs: []string{"admin", "support"},
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"u9"}, res.UserIDs)
}

func TestStaticDirectoryUnions(t *testing.T) {
	d := NewStaticDirectory(
		[]string{"u1", "u2", "u3"},
		map[string][]string{"admin": {"u1"}, "support": {"u2", "u3"}},
		map[string][]string{"trading": {"u3"}},
	)

	all, err := d.AllUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, all)

	roles, err := d.UsersByRole(context.Background(), []string{"admin", "support", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, roles)

	products, err := d.UsersByProduct(context.Background(), []string{"ghost"})
	require.NoError(t, err)
	assert.Empty(t, products)
}
