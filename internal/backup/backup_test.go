package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/testutil"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.BeginRun(context.Background(), "run-1", []string{"a", "b"}, testutil.Epoch))
	return st
}

func fixedNow() time.Time { return testutil.Epoch }

func TestCreateAndRestore(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	sink := FileSink{Dir: t.TempDir()}

	name, m, err := Create(ctx, st, sink, Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, "syncd-20240101T000000Z.bak", name)
	assert.Equal(t, ir.EngineVersion, m.EngineVersion)
	assert.True(t, m.Compressed)
	assert.False(t, m.Encrypted)

	names, err := List(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	dest := filepath.Join(t.TempDir(), "restored.db")
	_, err = Restore(ctx, sink, name, dest, Options{})
	require.NoError(t, err)

	restored, err := store.Open(dest)
	require.NoError(t, err)
	defer restored.Close()
	runs, err := restored.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, []string{"a", "b"}, runs[0].Connectors)
}

func TestArchiveLayout(t *testing.T) {
	ctx := context.Background()
	sink := FileSink{Dir: t.TempDir()}
	name, _, err := Create(ctx, seededStore(t), sink, Options{Now: fixedNow})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(sink.Dir, name))
	require.NoError(t, err)
	lines := bytes.SplitN(data, []byte("\n"), 3)
	require.Len(t, lines, 3)
	assert.Equal(t, Magic, string(lines[0]))
	assert.Contains(t, string(lines[1]), `"engine_version":"`+ir.EngineVersion+`"`)
	assert.Contains(t, string(lines[1]), `"compressed":true`)

	m, err := Inspect(ctx, sink, name)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch, m.CreatedAt)
}

func TestEncryptedArchive(t *testing.T) {
	ctx := context.Background()
	sink := FileSink{Dir: t.TempDir()}
	name, m, err := Create(ctx, seededStore(t), sink, Options{Passphrase: "correct horse", Now: fixedNow})
	require.NoError(t, err)
	assert.True(t, m.Encrypted)
	assert.Len(t, m.Salt, saltSize)

	dir := t.TempDir()
	_, err = Restore(ctx, sink, name, filepath.Join(dir, "a.db"), Options{})
	assert.ErrorContains(t, err, "passphrase is required")

	_, err = Restore(ctx, sink, name, filepath.Join(dir, "b.db"), Options{Passphrase: "wrong"})
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Restore(ctx, sink, name, filepath.Join(dir, "c.db"), Options{Passphrase: "correct horse"})
	require.NoError(t, err)
}

func TestRestoreRefusesExistingDatabase(t *testing.T) {
	ctx := context.Background()
	sink := FileSink{Dir: t.TempDir()}
	name, _, err := Create(ctx, seededStore(t), sink, Options{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "state.db")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(dest+"-wal", []byte("stale"), 0o644))

	_, err = Restore(ctx, sink, name, dest, Options{})
	assert.ErrorContains(t, err, "exists")

	_, err = Restore(ctx, sink, name, dest, Options{Overwrite: true})
	require.NoError(t, err)
	_, err = os.Stat(dest + "-wal")
	assert.True(t, os.IsNotExist(err), "stale WAL removed")
}

func TestRestoreRejectsBadArchives(t *testing.T) {
	ctx := context.Background()
	sink := FileSink{Dir: t.TempDir()}
	name, m, err := Create(ctx, seededStore(t), sink, Options{})
	require.NoError(t, err)
	good, err := sink.Get(ctx, name)
	require.NoError(t, err)
	_, payload, err := decode(good)
	require.NoError(t, err)

	incompatible := m
	incompatible.EngineVersion = "0.2.0"
	future, err := encode(incompatible, payload)
	require.NoError(t, err)

	corrupt := m
	corrupt.SHA256 = strings.Repeat("0", 64)
	badSum, err := encode(corrupt, payload)
	require.NoError(t, err)

	tests := []struct {
		name    string
		archive []byte
		wantErr string
	}{
		{"not an archive", []byte("SQLite format 3\x00"), "not a syncd archive"},
		{"truncated manifest", []byte(Magic + "\n{\"format\":1"), "truncated manifest"},
		{"incompatible engine", future, "not compatible"},
		{"checksum mismatch", badSum, "checksum mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := strings.ReplaceAll(tt.name, " ", "-") + Extension
			require.NoError(t, sink.Put(ctx, n, tt.archive))
			_, err := Restore(ctx, sink, n, filepath.Join(t.TempDir(), "x.db"), Options{})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIsCompatible(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{ir.EngineVersion, true},
		{"0.1.9", true},
		{"0.2.0", false},
		{"1.0.0", false},
	}
	for _, tt := range tests {
		got, err := IsCompatible(tt.version)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.version)
	}

	_, err := IsCompatible("not-a-version")
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	sink := FileSink{Dir: filepath.Join(t.TempDir(), "nested")}

	names, err := sink.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "missing dir lists nothing")

	require.NoError(t, sink.Put(ctx, "b.bak", []byte("2")))
	require.NoError(t, sink.Put(ctx, "a.bak", []byte("1")))
	require.NoError(t, os.WriteFile(filepath.Join(sink.Dir, "notes.txt"), nil, 0o644))

	names, err = sink.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bak", "b.bak"}, names)

	_, err = sink.Get(ctx, "missing.bak")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, sink.Put(ctx, "../escape.bak", nil))
}

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, bucket+aws.ToString(in.Prefix)) {
			keys = append(keys, strings.TrimPrefix(k, bucket))
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Sink(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: make(map[string][]byte)}
	sink := newS3Sink(fake, "backups", "syncd/")
	fake.objects["backups/other/x.bak"] = []byte("ignored")

	name, _, err := Create(ctx, seededStore(t), sink, Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Contains(t, fake.objects, "backups/syncd/"+name)

	names, err := List(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	_, err = Restore(ctx, sink, name, filepath.Join(t.TempDir(), "s3.db"), Options{})
	require.NoError(t, err)

	_, err = sink.Get(ctx, "missing.bak")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Options{})
	assert.ErrorContains(t, err, "bucket is required")
}
