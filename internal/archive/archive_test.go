package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPutter struct {
	bucket      string
	key         string
	body        string
	contentType string
	removed     []string
	err         error
}

func (r *recordingPutter) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if r.err != nil {
		return minio.UploadInfo{}, r.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	r.bucket, r.key, r.body, r.contentType = bucket, key, string(data), opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (r *recordingPutter) RemoveObject(_ context.Context, bucket, key string, _ minio.RemoveObjectOptions) error {
	if r.err != nil {
		return r.err
	}
	r.removed = append(r.removed, bucket+"/"+key)
	return nil
}

func TestSnapshotKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("x", 3600))
	assert.Equal(t, "board_message/msg-1/20260304T040607.000000008Z.json", SnapshotKey("board_message", "msg-1", at))
}

func TestPutSnapshotWritesJSON(t *testing.T) {
	putter := &recordingPutter{}
	a := &Archive{client: putter, bucket: "evidence", now: func() time.Time { return time.Unix(0, 0) }}

	key, err := a.PutSnapshot(context.Background(), "board_message", "msg-1", map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "board_message/msg-1/19700101T000000.000000000Z.json", key)
	assert.Equal(t, "evidence", putter.bucket)
	assert.Equal(t, key, putter.key)
	assert.JSONEq(t, `{"content":"hi"}`, putter.body)
	assert.Equal(t, "application/json", putter.contentType)
}

func TestPutSnapshotPropagatesErrors(t *testing.T) {
	a := &Archive{client: &recordingPutter{err: errors.New("down")}, bucket: "evidence", now: time.Now}
	_, err := a.PutSnapshot(context.Background(), "board_message", "msg-1", struct{}{})
	require.Error(t, err)
}

func TestRemoveSnapshot(t *testing.T) {
	putter := &recordingPutter{}
	a := &Archive{client: putter, bucket: "evidence", now: time.Now}

	require.NoError(t, a.RemoveSnapshot(context.Background(), "board_message/msg-1/x.json"))
	assert.Equal(t, []string{"evidence/board_message/msg-1/x.json"}, putter.removed)

	putter.err = errors.New("down")
	require.Error(t, a.RemoveSnapshot(context.Background(), "board_message/msg-1/x.json"))
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}
