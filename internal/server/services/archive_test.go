package services

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sc "github.com/dmitrijs2005/gophnotes/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_PutsRevisionUnderItsKey(t *testing.T) {
	fake := &fakeS3{}
	a := &S3Archive{client: fake, bucket: "revisions"}

	err := a.Archive(context.Background(), Revision{UUID: "n1", Version: 7, Data: []byte(`{"uuid":"n1"}`)})
	require.NoError(t, err)
	assert.Equal(t, "revisions", aws.ToString(fake.in.Bucket))
	assert.Equal(t, "revisions/n1/00000000000000000007.json", aws.ToString(fake.in.Key))
	assert.Equal(t, `{"uuid":"n1"}`, string(fake.body))

	fake.err = errors.New("unreachable")
	assert.Error(t, a.Archive(context.Background(), Revision{UUID: "n1", Version: 8}))
}

func TestNewS3Archive_AppliesConfig(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-west-1", lo.Region)
		return aws.Config{}, nil
	}
	var endpoint string
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		var opts s3.Options
		for _, fn := range optFns {
			fn(&opts)
		}
		endpoint = aws.ToString(opts.BaseEndpoint)
		assert.True(t, opts.UsePathStyle)
		return &s3.Client{}
	}

	a, err := NewS3Archive(context.Background(), &sc.Config{
		S3Region: "eu-west-1", S3RootUser: "u", S3RootPassword: "p", S3Bucket: "b", S3BaseEndpoint: "http://minio:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", a.bucket)
	assert.Equal(t, "http://minio:9000", endpoint)

	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = NewS3Archive(context.Background(), &sc.Config{S3Bucket: "b"})
	assert.Error(t, err)
}
