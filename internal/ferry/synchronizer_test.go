package ferry_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/ferry"
	ferryfs "ferry/internal/fs"
	"ferry/internal/testutil"
	"ferry/internal/transport"
)

type fixture struct {
	local   afero.Fs
	remote  *transport.FSSession
	sess    *testutil.RecordingSession
	dialer  *testutil.StubDialer
	samples []ferry.Sample
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		local:  afero.NewMemMapFs(),
		remote: transport.NewMemorySession("remote"),
	}
	require.NoError(t, f.remote.Fs().MkdirAll("/backup", 0755))
	f.sess = testutil.NewRecordingSession(f.remote)
	f.dialer = &testutil.StubDialer{Session: f.sess}
	return f
}

func (f *fixture) synchronizer(local afero.Fs, exclude ferry.Matcher, clock ferry.Clock) *ferry.Synchronizer {
	if local == nil {
		local = f.local
	}
	if clock == nil {
		clock = testutil.FixedClock()
	}
	record := func(s ferry.Sample) { f.samples = append(f.samples, s) }
	return ferry.NewSynchronizer(local, exclude, record, ferry.NewNopLogger(), clock)
}

func (f *fixture) run(t *testing.T, job ferry.Job) (*ferry.Result, error) {
	t.Helper()
	job.Remote = ferry.Endpoint{Host: "nas.local", Port: 22, User: "pi", Credential: "secret"}
	return f.synchronizer(nil, nil, nil).Run(context.Background(), f.dialer, job)
}

func content(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func writeFile(t *testing.T, fsys afero.Fs, path string, size int) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fsys, path, content(size), 0644))
}

func assertFile(t *testing.T, fsys afero.Fs, path string, size int) {
	t.Helper()
	data, err := afero.ReadFile(fsys, path)
	require.NoError(t, err, path)
	assert.Equal(t, content(size), data, path)
}

func assertMissing(t *testing.T, fsys afero.Fs, path string) {
	t.Helper()
	_, err := fsys.Stat(path)
	assert.ErrorIs(t, err, fs.ErrNotExist, path)
}

// snapshot lists every path in fsys with its size.
func snapshot(t *testing.T, fsys afero.Fs) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	require.NoError(t, afero.Walk(fsys, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		out[p] = info.Size()
		return nil
	}))
	return out
}

func seedPhotos(t *testing.T, fsys afero.Fs, root string) {
	writeFile(t, fsys, root+"/a.jpg", 10)
	writeFile(t, fsys, root+"/sub/b.jpg", 20)
}

func TestRun_PushDirectory(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")

	res, err := f.run(t, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos"})
	require.NoError(t, err)

	assert.Equal(t, ferry.Push, res.Direction)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, int64(30), res.Bytes)

	assertFile(t, f.remote.Fs(), "/backup/photos/a.jpg", 10)
	assertFile(t, f.remote.Fs(), "/backup/photos/sub/b.jpg", 20)
	assertFile(t, f.local, "/sdcard/photos/a.jpg", 10)
	assertFile(t, f.local, "/sdcard/photos/sub/b.jpg", 20)

	// Directories are created before their children; siblings in name order.
	assert.Equal(t, []string{
		"mkdir /backup/photos",
		"upload /backup/photos/a.jpg",
		"mkdir /backup/photos/sub",
		"upload /backup/photos/sub/b.jpg",
		"close ",
	}, f.sess.Calls())
	assert.Equal(t, 1, f.sess.CloseCount())
}

func TestRun_PushMoveKeepsLocalDirectories(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")

	res, err := f.run(t, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos", Move: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)

	assertFile(t, f.remote.Fs(), "/backup/photos/a.jpg", 10)
	assertFile(t, f.remote.Fs(), "/backup/photos/sub/b.jpg", 20)
	assertMissing(t, f.local, "/sdcard/photos/a.jpg")
	assertMissing(t, f.local, "/sdcard/photos/sub/b.jpg")

	for _, dir := range []string{"/sdcard/photos", "/sdcard/photos/sub"} {
		info, err := f.local.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestRun_PushSingleFile(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/home/pi/notes.txt", 42)
	require.NoError(t, f.remote.Fs().MkdirAll("/docs", 0755))

	res, err := f.run(t, ferry.Job{Source: "/home/pi/notes.txt", Destination: "/docs/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, ferry.Push, res.Direction)
	assert.Equal(t, 1, res.Files)
	assertFile(t, f.remote.Fs(), "/docs/notes.txt", 42)
}

func TestRun_PullMoveRemovesRemoteTree(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.remote.Fs(), "/backup/photos")

	res, err := f.run(t, ferry.Job{Source: "/backup/photos", Destination: "/restore/photos", Move: true})
	require.NoError(t, err)

	assert.Equal(t, ferry.Pull, res.Direction)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, int64(30), res.Bytes)

	assertFile(t, f.local, "/restore/photos/a.jpg", 10)
	assertFile(t, f.local, "/restore/photos/sub/b.jpg", 20)
	assertMissing(t, f.remote.Fs(), "/backup/photos")

	info, err := f.remote.Fs().Stat("/backup")
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "parent of the source is untouched")

	// Remote directories are removed only after their children.
	calls := f.sess.Calls()
	assert.Equal(t, "rmdir /backup/photos/sub", calls[len(calls)-3])
	assert.Equal(t, "rmdir /backup/photos", calls[len(calls)-2])
}

func TestRun_PullEmptyDirectoryWithMove(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.Fs().MkdirAll("/backup/empty", 0755))

	res, err := f.run(t, ferry.Job{Source: "/backup/empty", Destination: "/restore/empty", Move: true})
	require.NoError(t, err)

	assert.Equal(t, ferry.Pull, res.Direction)
	assert.Zero(t, res.Files)
	info, err := f.local.Stat("/restore/empty")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assertMissing(t, f.remote.Fs(), "/backup/empty")
	assert.Empty(t, f.samples)
}

func TestRun_PullCopyLeavesRemote(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.remote.Fs(), "/backup/photos")

	_, err := f.run(t, ferry.Job{Source: "/backup/photos", Destination: "/restore/photos"})
	require.NoError(t, err)

	assertFile(t, f.local, "/restore/photos/sub/b.jpg", 20)
	assertFile(t, f.remote.Fs(), "/backup/photos/a.jpg", 10)
	assertFile(t, f.remote.Fs(), "/backup/photos/sub/b.jpg", 20)
}

func TestRun_SourceNotFound(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")
	seedPhotos(t, f.remote.Fs(), "/backup/photos")
	localBefore := snapshot(t, f.local)
	remoteBefore := snapshot(t, f.remote.Fs())

	res, err := f.run(t, ferry.Job{Source: "/nowhere", Destination: "/backup/nowhere", Move: true})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ferry.ErrSourceNotFound)

	var notFound *ferry.SourceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "/nowhere", notFound.Path)
	assert.Contains(t, err.Error(), "local filesystem or remote session")

	assert.Equal(t, []string{"stat /nowhere", "close "}, f.sess.Calls())
	assert.Equal(t, localBefore, snapshot(t, f.local))
	assert.Equal(t, remoteBefore, snapshot(t, f.remote.Fs()))
}

func TestRun_PushWinsWhenSourceExistsOnBothSides(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/data/x.txt", 5)
	writeFile(t, f.remote.Fs(), "/data/x.txt", 50)

	res, err := f.run(t, ferry.Job{Source: "/data/x.txt", Destination: "/data/x.txt"})
	require.NoError(t, err)
	assert.Equal(t, ferry.Push, res.Direction)
	assertFile(t, f.remote.Fs(), "/data/x.txt", 5)
}

func TestRun_ExistingRemoteDirectoriesAreReused(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")
	writeFile(t, f.remote.Fs(), "/backup/photos/sub/b.jpg", 3)
	writeFile(t, f.remote.Fs(), "/backup/photos/old.jpg", 7)

	for i := 0; i < 2; i++ {
		res, err := f.run(t, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Files)
	}

	assertFile(t, f.remote.Fs(), "/backup/photos/sub/b.jpg", 20)
	assertFile(t, f.remote.Fs(), "/backup/photos/old.jpg", 7)
}

func TestRun_ProgressSamples(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/src/big.bin", 200*1024)
	writeFile(t, f.local, "/src/empty.bin", 0)
	writeFile(t, f.local, "/src/small.bin", 10)

	_, err := f.run(t, ferry.Job{Source: "/src", Destination: "/dst"})
	require.NoError(t, err)

	byLabel := map[string][]ferry.Sample{}
	var order []string
	for _, s := range f.samples {
		if _, ok := byLabel[s.Label]; !ok {
			order = append(order, s.Label)
		}
		byLabel[s.Label] = append(byLabel[s.Label], s)
	}
	assert.Equal(t, []string{"big.bin", "empty.bin", "small.bin"}, order, "one file at a time")

	totals := map[string]int64{"big.bin": 200 * 1024, "empty.bin": 0, "small.bin": 10}
	for label, samples := range byLabel {
		require.NotEmpty(t, samples, label)
		var prev int64
		for _, s := range samples {
			assert.Equal(t, totals[label], s.Total, label)
			assert.GreaterOrEqual(t, s.Transferred, prev, label)
			prev = s.Transferred
		}
		assert.Equal(t, totals[label], samples[len(samples)-1].Transferred, label)
	}
	assert.Greater(t, len(byLabel["big.bin"]), 1, "large files report per chunk")
	assert.Equal(t, []ferry.Sample{{Label: "empty.bin", Transferred: 0, Total: 0}}, byLabel["empty.bin"])
}

func TestRun_PullProgressSamples(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.remote.Fs(), "/backup/clip.mp4", 100*1024)

	_, err := f.run(t, ferry.Job{Source: "/backup/clip.mp4", Destination: "/videos/clip.mp4"})
	require.NoError(t, err)

	require.NotEmpty(t, f.samples)
	last := f.samples[len(f.samples)-1]
	assert.Equal(t, ferry.Sample{Label: "clip.mp4", Transferred: 100 * 1024, Total: 100 * 1024}, last)
	assert.True(t, sort.SliceIsSorted(f.samples, func(i, j int) bool {
		return f.samples[i].Transferred < f.samples[j].Transferred
	}))
}

func TestRun_UploadFailure(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")
	f.sess.Fail["upload"] = errors.New("channel closed")

	res, err := f.run(t, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos", Move: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ferry.ErrTransfer)
	assert.NotErrorIs(t, err, ferry.ErrSourceRemoval)

	var transferErr *ferry.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "upload", transferErr.Op)
	assert.Equal(t, "/sdcard/photos/a.jpg", transferErr.Source)
	assert.Equal(t, "/backup/photos/a.jpg", transferErr.Destination)

	require.NotNil(t, res)
	assert.Zero(t, res.Files)
	assertFile(t, f.local, "/sdcard/photos/a.jpg", 10)
	assert.Equal(t, 1, f.sess.CloseCount())
}

// closeFailFs hands out files whose Close fails.
type closeFailFs struct {
	afero.Fs
}

func (c closeFailFs) Open(name string) (afero.File, error) {
	f, err := c.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return closeFailFile{f}, nil
}

type closeFailFile struct {
	afero.File
}

func (f closeFailFile) Close() error {
	f.File.Close()
	return errors.New("stale file handle")
}

func TestRun_SourceCloseFailureKeepsSource(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/home/pi/notes.txt", 12)
	sync := f.synchronizer(closeFailFs{f.local}, nil, nil)

	res, err := sync.Run(context.Background(), f.dialer,
		ferry.Job{Source: "/home/pi/notes.txt", Destination: "/backup/notes.txt", Move: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ferry.ErrTransfer)
	assert.ErrorContains(t, err, "stale file handle")

	require.NotNil(t, res)
	assert.Zero(t, res.Files)
	assertFile(t, f.local, "/home/pi/notes.txt", 12)
}

func TestRun_DownloadFailureRemovesPartialFile(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.remote.Fs(), "/backup/x.bin", 64)
	f.sess.Fail["download"] = errors.New("connection reset")

	_, err := f.run(t, ferry.Job{Source: "/backup/x.bin", Destination: "/restore/x.bin", Move: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ferry.ErrTransfer)

	var transferErr *ferry.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "download", transferErr.Op)

	assertMissing(t, f.local, "/restore/x.bin")
	assertFile(t, f.remote.Fs(), "/backup/x.bin", 64)
}

func TestRun_LocalRemovalFailure(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")
	sync := f.synchronizer(afero.NewReadOnlyFs(f.local), nil, nil)

	res, err := sync.Run(context.Background(), f.dialer, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos", Move: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ferry.ErrSourceRemoval)
	assert.NotErrorIs(t, err, ferry.ErrTransfer)

	var removalErr *ferry.RemovalError
	require.ErrorAs(t, err, &removalErr)
	assert.False(t, removalErr.Remote)
	assert.Equal(t, "/sdcard/photos/a.jpg", removalErr.Path)

	// The file made it across before the removal failed.
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Files)
	assertFile(t, f.remote.Fs(), "/backup/photos/a.jpg", 10)
	assertFile(t, f.local, "/sdcard/photos/a.jpg", 10)
}

func TestRun_RemoteRemovalFailure(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.remote.Fs(), "/backup/x.bin", 8)
	f.sess.Fail["remove"] = errors.New("permission denied")

	_, err := f.run(t, ferry.Job{Source: "/backup/x.bin", Destination: "/restore/x.bin", Move: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ferry.ErrSourceRemoval)

	var removalErr *ferry.RemovalError
	require.ErrorAs(t, err, &removalErr)
	assert.True(t, removalErr.Remote)
	assertFile(t, f.local, "/restore/x.bin", 8)
	assertFile(t, f.remote.Fs(), "/backup/x.bin", 8)
}

func TestRun_ConnectionFailure(t *testing.T) {
	f := newFixture(t)
	connErr := &ferry.ConnectionError{Addr: "nas.local:22", Err: errors.New("no route to host")}
	f.dialer.Err = connErr

	res, err := f.run(t, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos"})
	assert.Nil(t, res)
	assert.Same(t, connErr, err)
	assert.ErrorIs(t, err, ferry.ErrConnection)
	assert.Empty(t, f.sess.Calls())

	dials := f.dialer.Dials()
	require.Len(t, dials, 1)
	assert.Equal(t, "nas.local:22", dials[0].Addr())
}

func TestRun_CloseFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/a.txt", 3)
	f.sess.Fail["close"] = errors.New("already closed")

	_, err := f.run(t, ferry.Job{Source: "/a.txt", Destination: "/a.txt"})
	assert.NoError(t, err)
	assert.Equal(t, 1, f.sess.CloseCount())
}

func TestRun_ElapsedCoversTraversal(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/a.txt", 3)
	sync := f.synchronizer(nil, nil, testutil.SteppingClock(1500*time.Millisecond))

	res, err := sync.Run(context.Background(), f.dialer, ferry.Job{Source: "/a.txt", Destination: "/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, res.Elapsed)
	assert.InDelta(t, 1.5, res.Seconds(), 1e-9)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	seedPhotos(t, f.local, "/sdcard/photos")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.synchronizer(nil, nil, nil).Run(ctx, f.dialer, ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"close "}, f.sess.Calls())
}

func TestRun_Exclude(t *testing.T) {
	exclude := ferryfs.NewExcludeMatcher([]string{".thumbnails", "*.tmp", "sub/private"})

	t.Run("push", func(t *testing.T) {
		f := newFixture(t)
		seedPhotos(t, f.local, "/sdcard/photos")
		writeFile(t, f.local, "/sdcard/photos/.thumbnails/a.jpg", 2)
		writeFile(t, f.local, "/sdcard/photos/upload.tmp", 2)
		writeFile(t, f.local, "/sdcard/photos/sub/private/c.jpg", 2)

		res, err := f.synchronizer(nil, exclude, nil).Run(context.Background(), f.dialer,
			ferry.Job{Source: "/sdcard/photos", Destination: "/backup/photos", Move: true})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Files)

		assertMissing(t, f.remote.Fs(), "/backup/photos/.thumbnails")
		assertMissing(t, f.remote.Fs(), "/backup/photos/upload.tmp")
		assertMissing(t, f.remote.Fs(), "/backup/photos/sub/private")
		assertFile(t, f.local, "/sdcard/photos/.thumbnails/a.jpg", 2)
		assertFile(t, f.local, "/sdcard/photos/upload.tmp", 2)
	})

	t.Run("pull move leaves excluded entries and their parent", func(t *testing.T) {
		f := newFixture(t)
		seedPhotos(t, f.remote.Fs(), "/backup/photos")
		writeFile(t, f.remote.Fs(), "/backup/photos/.thumbnails/a.jpg", 2)

		_, err := f.synchronizer(nil, exclude, nil).Run(context.Background(), f.dialer,
			ferry.Job{Source: "/backup/photos", Destination: "/restore/photos", Move: true})
		require.Error(t, err)

		var removalErr *ferry.RemovalError
		require.ErrorAs(t, err, &removalErr)
		assert.Equal(t, "/backup/photos", removalErr.Path)
		assert.True(t, removalErr.Remote)

		assertFile(t, f.local, "/restore/photos/a.jpg", 10)
		assertFile(t, f.remote.Fs(), "/backup/photos/.thumbnails/a.jpg", 2)
		assertMissing(t, f.remote.Fs(), "/backup/photos/a.jpg")
		assertMissing(t, f.local, "/restore/photos/.thumbnails")
	})
}

func TestPush_Direct(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.local, "/one/two.txt", 4)
	sync := f.synchronizer(nil, nil, nil)

	stats, err := sync.Push(context.Background(), f.remote, "/one", "/mirror", false)
	require.NoError(t, err)
	assert.Equal(t, ferry.Stats{Files: 1, Bytes: 4}, stats)

	var buf bytes.Buffer
	_, err = f.remote.Download(context.Background(), "/mirror/two.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, content(4), buf.Bytes())
}

func TestResolve_RemoteStatError(t *testing.T) {
	f := newFixture(t)
	f.sess.Fail["stat"] = errors.New("permission denied")

	_, err := f.synchronizer(nil, nil, nil).Resolve(context.Background(), f.sess, "/x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ferry.ErrSourceNotFound)
	assert.Contains(t, err.Error(), "permission denied")
}
