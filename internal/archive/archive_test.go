package archive

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/session"
)

// fakeBucket is an in-memory stand-in for the S3 object API
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = body
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeBucket) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeBucket) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeBucket) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeBucket) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for key := range f.objects {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func testSnapshot(t *testing.T) *session.Snapshot {
	t.Helper()
	log := zerolog.Nop()
	store := session.NewStore(log)
	require.NoError(t, store.Register("AAPL.US", domain.Interval1m, nil, session.Provenance{MeetsRequirements: true}))

	open := time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.AppendBar("AAPL.US", domain.Interval1m, domain.Bar{
			Timestamp: open.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
		})
		require.NoError(t, err)
	}
	return store.Snapshot()
}

func newTestUploader(keep int) (*Uploader, *fakeBucket, *events.Bus) {
	log := zerolog.Nop()
	bucket := newFakeBucket()
	bus := events.NewBus(log)
	em := events.NewManager(bus, log)
	up := newWithClient(bucket, config.ArchiveConfig{
		Bucket: "snapshots",
		Prefix: "sessions",
		Keep:   keep,
	}, em, log)
	return up, bucket, bus
}

func TestUploadRoundTrip(t *testing.T) {
	up, bucket, bus := newTestUploader(0)
	snap := testSnapshot(t)

	var uploaded []*events.Event
	bus.Subscribe(events.ArchiveUploaded, func(e *events.Event) {
		uploaded = append(uploaded, e)
	})

	date := time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, up.Upload(context.Background(), "XNYS", date, snap))

	key := "sessions/XNYS/2025-11-04.msgpack.gz"
	require.Equal(t, []string{key}, bucket.keys())

	restored, err := Decode(bucket.objects[key])
	require.NoError(t, err)
	sym, ok := restored.Symbols["AAPL.US"]
	require.True(t, ok)
	assert.True(t, sym.Provenance.MeetsRequirements)
	assert.Len(t, sym.Intervals["1m"].Bars, 5)

	require.Len(t, uploaded, 1)
	assert.Equal(t, float64(5), uploaded[0].Data["bars"])
}

func TestEmptySnapshotIsSkipped(t *testing.T) {
	up, bucket, _ := newTestUploader(0)

	err := up.Upload(context.Background(), "XNYS", time.Now(), &session.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, bucket.keys())
}

func TestPruneKeepsNewestSnapshots(t *testing.T) {
	up, bucket, _ := newTestUploader(2)
	for _, day := range []string{"2025-10-28", "2025-10-29", "2025-10-30", "2025-10-31", "2025-11-03"} {
		bucket.objects["sessions/XNYS/"+day+".msgpack.gz"] = []byte("x")
	}

	require.NoError(t, up.Prune(context.Background(), "XNYS"))
	assert.Equal(t, []string{
		"sessions/XNYS/2025-10-31.msgpack.gz",
		"sessions/XNYS/2025-11-03.msgpack.gz",
	}, bucket.keys())
}

func TestUploadAppliesRetention(t *testing.T) {
	up, bucket, _ := newTestUploader(1)
	bucket.objects["sessions/XNYS/2025-11-03.msgpack.gz"] = []byte("x")

	snap := testSnapshot(t)
	date := time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, up.Upload(context.Background(), "XNYS", date, snap))

	assert.Equal(t, []string{"sessions/XNYS/2025-11-04.msgpack.gz"}, bucket.keys())
}
