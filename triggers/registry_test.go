package triggers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oi-watchdog/database"
	triggerrepo "oi-watchdog/database/triggers"
)

type fakeStore struct {
	active      []database.Trigger
	initErr     error
	activeErr   error
	saveErr     error
	removed     bool
	activeCalls int
}

func (f *fakeStore) Init() error { return f.initErr }

func (f *fakeStore) GetAllActive() ([]database.Trigger, error) {
	f.activeCalls++
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	return append([]database.Trigger(nil), f.active...), nil
}

func (f *fakeStore) FindByUser(userID int64) ([]database.Trigger, error) {
	var out []database.Trigger
	for _, t := range f.active {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Save(spec triggerrepo.Spec) (*database.Trigger, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	t := database.Trigger{ID: "new", UserID: spec.UserID, Direction: spec.Direction}
	f.active = append(f.active, t)
	return &t, nil
}

func (f *fakeStore) Remove(id string, userID int64) (bool, error) {
	return f.removed, nil
}

func trigger(id string, userID int64) database.Trigger {
	return database.Trigger{ID: id, UserID: userID, Direction: database.DirectionUp}
}

func TestInitLoadsActiveSet(t *testing.T) {
	store := &fakeStore{active: []database.Trigger{trigger("t1", 1), trigger("t2", 2)}}
	r := NewRegistry(store, nil)

	require.NoError(t, r.Init())
	assert.Len(t, r.GetAllActive(), 2)
}

func TestInitFailsOnStoreErrors(t *testing.T) {
	r := NewRegistry(&fakeStore{initErr: errors.New("migrate failed")}, nil)
	assert.Error(t, r.Init())

	r = NewRegistry(&fakeStore{activeErr: errors.New("db down")}, nil)
	assert.Error(t, r.Init(), "no warm cache to fall back to")
}

func TestSaveRefreshesActiveSet(t *testing.T) {
	store := &fakeStore{active: []database.Trigger{trigger("t1", 1)}}
	r := NewRegistry(store, nil)
	require.NoError(t, r.Init())

	saved, err := r.Save(triggerrepo.Spec{UserID: 9, Direction: database.DirectionUp})
	require.NoError(t, err)
	assert.Equal(t, "new", saved.ID)
	assert.Len(t, r.GetAllActive(), 2)
}

func TestSaveServesWarmSetWhenReloadFails(t *testing.T) {
	store := &fakeStore{active: []database.Trigger{trigger("t1", 1)}}
	r := NewRegistry(store, nil)
	require.NoError(t, r.Init())

	// The store degrades after startup: the save lands but the refresh
	// fails, and the evaluator keeps the last good set.
	store.activeErr = errors.New("db down")
	_, err := r.Save(triggerrepo.Spec{UserID: 9, Direction: database.DirectionUp})
	require.NoError(t, err)
	assert.Len(t, r.GetAllActive(), 1)
}

func TestRemoveRefreshesOnlyWhenRemoved(t *testing.T) {
	store := &fakeStore{active: []database.Trigger{trigger("t1", 1)}, removed: true}
	r := NewRegistry(store, nil)
	require.NoError(t, r.Init())
	calls := store.activeCalls

	removed, err := r.Remove("t1", 1)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, calls+1, store.activeCalls)

	store.removed = false
	removed, err = r.Remove("nope", 1)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, calls+1, store.activeCalls, "no reload for a no-op remove")
}

func TestGetAllActiveReturnsCopy(t *testing.T) {
	store := &fakeStore{active: []database.Trigger{trigger("t1", 1)}}
	r := NewRegistry(store, nil)
	require.NoError(t, r.Init())

	snap := r.GetAllActive()
	snap[0].ID = "mutated"
	assert.Equal(t, "t1", r.GetAllActive()[0].ID)
}

func TestFindByUserProxiesStore(t *testing.T) {
	store := &fakeStore{active: []database.Trigger{trigger("t1", 1), trigger("t2", 2)}}
	r := NewRegistry(store, nil)

	got, err := r.FindByUser(2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].ID)
}
