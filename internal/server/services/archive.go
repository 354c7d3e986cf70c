package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sc "github.com/dmitrijs2005/gophnotes/internal/server/config"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Archiver keeps every accepted revision outside the database. Revisions
// are ciphertext; the archive is a durable server-side history.
type Archiver interface {
	Archive(ctx context.Context, rev Revision) error
}

// Revision is one accepted push.
type Revision struct {
	UUID    string
	Version int64
	Data    []byte
}

type s3PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archive struct {
	client s3PutObjectAPI
	bucket string
}

// NewS3Archive builds an archive over an S3-compatible store.
func NewS3Archive(ctx context.Context, cfg *sc.Config) (*S3Archive, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3RootUser,
			cfg.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.S3Bucket}, nil
}

func RevisionKey(uuid string, version int64) string {
	return fmt.Sprintf("revisions/%s/%020d.json", uuid, version)
}

func (a *S3Archive) Archive(ctx context.Context, rev Revision) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(RevisionKey(rev.UUID, rev.Version)),
		Body:        bytes.NewReader(rev.Data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put revision %s: %w", rev.UUID, err)
	}
	return nil
}

type nopArchive struct{}

func (nopArchive) Archive(context.Context, Revision) error { return nil }
