package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nci/s2mosaic/utils"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *mockClient) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, filePath, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func TestPublishUploadsUnderRunPrefix(t *testing.T) {
	client := &mockClient{}
	p := &Publisher{Client: client, Bucket: "mosaics", Prefix: "s2/"}

	client.On("BucketExists", mock.Anything, "mosaics").Return(false, nil)
	client.On("MakeBucket", mock.Anything, "mosaics", minio.MakeBucketOptions{}).Return(nil)
	client.On("FPutObject", mock.Anything, "mosaics", "s2/run-1/mosaic_R10m_B02.tif", "/out/mosaic_R10m_B02.tif",
		minio.PutObjectOptions{ContentType: "image/tiff"}).Return(minio.UploadInfo{Size: 10}, nil)
	client.On("FPutObject", mock.Anything, "mosaics", "s2/run-1/mosaic_R10m_scenes.json", "/out/mosaic_R10m_scenes.json",
		minio.PutObjectOptions{ContentType: "application/json"}).Return(minio.UploadInfo{Size: 2}, nil)

	err := p.Publish(context.Background(), "run-1", []string{"/out/mosaic_R10m_B02.tif", "/out/mosaic_R10m_scenes.json"})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestPublishFailureIsOutputWriteFailure(t *testing.T) {
	client := &mockClient{}
	p := &Publisher{Client: client, Bucket: "mosaics"}

	client.On("BucketExists", mock.Anything, "mosaics").Return(true, nil)
	client.On("FPutObject", mock.Anything, "mosaics", "run-2/a.png", "/out/a.png", mock.Anything).
		Return(minio.UploadInfo{}, errors.New("access denied"))

	err := p.Publish(context.Background(), "run-2", []string{"/out/a.png"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrOutputWriteFailure))
	client.AssertNotCalled(t, "MakeBucket", mock.Anything, mock.Anything, mock.Anything)
}

func TestObjectName(t *testing.T) {
	p := &Publisher{}
	assert.Equal(t, "r/x.tif", p.ObjectName("r", "/a/b/x.tif"))
	p.Prefix = "/archive/"
	assert.Equal(t, "archive/r/x.tif", p.ObjectName("r", "x.tif"))
	assert.Equal(t, "application/octet-stream", contentType("x.bin"))
}
