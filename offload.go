package relay

import (
	"context"
	"mime"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

// OffloadConfig contains configuration of S3 compatible storage for files above the upload limit.
type OffloadConfig struct {
	// Enabled turns offloading on. Files above the upload limit are rejected when it is off.
	// Environment variable: RELAY_OFFLOAD_ENABLED.
	Enabled bool `yaml:"enabled" json:"enabled" env:"RELAY_OFFLOAD_ENABLED"`
	// Endpoint is the S3 API endpoint, e.g. https://<account>.r2.cloudflarestorage.com. Empty means AWS.
	// Environment variable: RELAY_OFFLOAD_ENDPOINT.
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"RELAY_OFFLOAD_ENDPOINT"`
	// Region is the bucket region.
	// Default: "auto".
	// Environment variable: RELAY_OFFLOAD_REGION.
	Region string `yaml:"region" json:"region" env:"RELAY_OFFLOAD_REGION" env-default:"auto"`
	// Bucket is the bucket name.
	// Environment variable: RELAY_OFFLOAD_BUCKET.
	Bucket string `yaml:"bucket" json:"bucket" env:"RELAY_OFFLOAD_BUCKET"`
	// AccessKeyID is the access key of the storage.
	// Environment variable: RELAY_OFFLOAD_ACCESS_KEY_ID.
	AccessKeyID string `yaml:"access_key_id" json:"access_key_id" env:"RELAY_OFFLOAD_ACCESS_KEY_ID"`
	// SecretAccessKey is the secret key of the storage.
	// Environment variable: RELAY_OFFLOAD_SECRET_ACCESS_KEY.
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" env:"RELAY_OFFLOAD_SECRET_ACCESS_KEY"`
	// Prefix is prepended to object keys.
	// Default: "relay".
	// Environment variable: RELAY_OFFLOAD_PREFIX.
	Prefix string `yaml:"prefix" json:"prefix" env:"RELAY_OFFLOAD_PREFIX" env-default:"relay"`
	// LinkTTL is the lifetime of presigned download links.
	// Default: 24 hours.
	// Environment variable: RELAY_OFFLOAD_LINK_TTL.
	LinkTTL time.Duration `yaml:"link_ttl" json:"link_ttl" env:"RELAY_OFFLOAD_LINK_TTL" env-default:"24h"`
}

// Validate validates offload configuration.
func (cfg OffloadConfig) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Endpoint, is.URL),
		validation.Field(&cfg.Bucket, validation.Required.When(cfg.Enabled)),
		validation.Field(&cfg.AccessKeyID, validation.Required.When(cfg.Enabled)),
		validation.Field(&cfg.SecretAccessKey, validation.Required.When(cfg.Enabled)),
	)
}

// S3Offloader uploads files to S3 compatible storage and returns presigned links to them.
type S3Offloader struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     OffloadConfig
}

// NewS3Offloader creates an offloader with static credentials.
func NewS3Offloader(cfg OffloadConfig) (*S3Offloader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Region = lang.Check(cfg.Region, "auto")
	cfg.LinkTTL = lang.Check(cfg.LinkTTL, 24*time.Hour)

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Offloader{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}, nil
}

// Offload uploads the file under a unique key and returns a presigned GET link.
func (o *S3Offloader) Offload(ctx context.Context, file LocalFile) (string, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return "", errm.Wrap(err, "open file")
	}
	defer f.Close()

	key := o.objectKey(file.Name)
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(o.cfg.Bucket),
		Key:                aws.String(key),
		Body:               f,
		ContentLength:      aws.Int64(file.Size),
		ContentType:        aws.String(lang.Check(file.ContentType, "application/octet-stream")),
		ContentDisposition: aws.String(lang.Check(mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}), "attachment")),
	})
	if err != nil {
		return "", errm.Wrap(err, "put object", "key", key)
	}

	req, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(o.cfg.LinkTTL))
	if err != nil {
		return "", errm.Wrap(err, "presign", "key", key)
	}

	return req.URL, nil
}

func (o *S3Offloader) objectKey(name string) string {
	now := time.Now().UTC()
	return path.Join(o.cfg.Prefix, strconv.Itoa(now.Year()), strconv.Itoa(now.YearDay()), uuid.NewString(), name)
}
