package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *params.Bucket
	f.key = *params.Key
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Exporter_Export(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleWorkup("s1")))

	putter := &fakePutter{}
	exporter, err := NewS3Exporter(putter, "abid-archive", "exports")
	require.NoError(t, err)

	key, err := exporter.Export(ctx, store, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "exports/workups_"))
	assert.Equal(t, "abid-archive", putter.bucket)
	assert.Equal(t, key, putter.key)

	var export Export
	require.NoError(t, json.Unmarshal(putter.body, &export))
	assert.Equal(t, 1, export.Count)
	assert.Equal(t, "s1", export.Workups[0].SessionID)
}

func TestS3Exporter_ExplicitKeyAndErrors(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	putter := &fakePutter{}
	exporter, err := NewS3Exporter(putter, "bucket", "")
	require.NoError(t, err)
	key, err := exporter.Export(ctx, store, "daily.json")
	require.NoError(t, err)
	assert.Equal(t, "daily.json", key)

	failing, err := NewS3Exporter(&fakePutter{err: errors.New("access denied")}, "bucket", "")
	require.NoError(t, err)
	_, err = failing.Export(ctx, store, "daily.json")
	assert.ErrorContains(t, err, "access denied")

	_, err = NewS3Exporter(putter, "", "")
	assert.Error(t, err)
	_, err = NewS3Exporter(nil, "bucket", "")
	assert.Error(t, err)
}
