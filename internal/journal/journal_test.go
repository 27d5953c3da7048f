package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.BeginSession(Session{
		ID: "a", StartedAt: started, State: "initializing", MaxFrames: 12,
		Method: "feature", OutputDir: "/scans/a",
	}))

	got, err := s.GetSession("a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "initializing", got.State)
	assert.Equal(t, 12, got.MaxFrames)
	assert.Nil(t, got.EndedAt)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)

	ended := started.Add(90 * time.Second)
	require.NoError(t, s.EndSession("a", "finished", 12, ended))

	got, err = s.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, "finished", got.State)
	assert.Equal(t, 12, got.FrameCount)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, ended, *got.EndedAt, time.Millisecond)
}

func TestStore_GetUnknownSession(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSession("nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, s.EndSession("nope", "finished", 0, time.Now()))
}

func TestStore_SessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.BeginSession(Session{
			ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute),
			State: "idle", MaxFrames: 1, Method: "feature",
		}))
	}

	all, err := s.Sessions(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	two, err := s.Sessions(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestStore_FramesInCaptureOrder(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BeginSession(Session{ID: "f", StartedAt: time.Now(), State: "capturing", MaxFrames: 2, Method: "intensity"}))

	now := time.Now()
	frames := []Frame{
		{SessionID: "f", Seq: 0, Accepted: true, Sharpness: 320, Brightness: 120, Path: "frame_0001.png", CapturedAt: now},
		{SessionID: "f", Seq: 1, Accepted: false, Sharpness: 12, Brightness: 118, Reason: "too blurry", CapturedAt: now},
		{SessionID: "f", Seq: 1, Accepted: true, Sharpness: 300, Brightness: 121, Path: "frame_0002.png", CapturedAt: now},
	}
	for _, f := range frames {
		require.NoError(t, s.RecordFrame(f))
	}

	got, err := s.Frames("f")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Accepted)
	assert.False(t, got[1].Accepted)
	assert.Equal(t, "too blurry", got[1].Reason)
	assert.Equal(t, "frame_0002.png", got[2].Path)
	assert.Equal(t, 1, got[2].Seq)
}

func TestStore_Transitions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BeginSession(Session{ID: "t", StartedAt: time.Now(), State: "idle", MaxFrames: 1, Method: "feature"}))

	steps := [][3]string{
		{"idle", "start", "initializing"},
		{"initializing", "init_done", "capturing"},
		{"capturing", "abort", "finished"},
	}
	at := time.Now()
	for _, st := range steps {
		require.NoError(t, s.RecordTransition(Transition{SessionID: "t", At: at, From: st[0], Event: st[1], To: st[2]}))
	}

	got, err := s.Transitions("t")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, st := range steps {
		assert.Equal(t, st[0], got[i].From)
		assert.Equal(t, st[1], got[i].Event)
		assert.Equal(t, st[2], got[i].To)
	}

	none, err := s.Transitions("other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_FileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.BeginSession(Session{ID: "p", StartedAt: time.Now(), State: "finished", MaxFrames: 3, Method: "feature"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetSession("p")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.MaxFrames)
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	out := timeFromUnix(unixFromTime(in))
	assert.WithinDuration(t, in, out, time.Microsecond)
}
