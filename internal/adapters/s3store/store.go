package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"repowatch/internal/domain"
)

const ext = ".json"

type Opts func(c *config)

type config struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	prefix          string
	useSSL          bool
}

func WithEndpoint(endpoint string) Opts {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) Opts {
	return func(c *config) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) Opts {
	return func(c *config) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) Opts {
	return func(c *config) {
		c.secretAccessKey = secretKey
	}
}

// WithPrefix stores documents under prefix, e.g. "scan_results/".
func WithPrefix(prefix string) Opts {
	return func(c *config) {
		c.prefix = prefix
	}
}

func WithSSL(useSSL bool) Opts {
	return func(c *config) {
		c.useSSL = useSSL
	}
}

// Store keeps one object per repository. A PutObject replaces the previous
// object in a single step, which gives the same old-or-new guarantee as the
// filesystem store.
type Store struct {
	cfg    *config
	client *minio.Client
}

func New(ctx context.Context, opts ...Opts) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.bucket == "" {
		return nil, &domain.StorageError{Op: "init", Err: fmt.Errorf("bucket is required")}
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "init", Err: err}
	}

	exists, err := client.BucketExists(ctx, cfg.bucket)
	if err != nil {
		return nil, &domain.StorageError{Op: "init", Err: err}
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, &domain.StorageError{Op: "init", Err: fmt.Errorf("create bucket %s: %w", cfg.bucket, err)}
		}
	}
	return &Store{cfg: cfg, client: client}, nil
}

func (s *Store) key(name string) string {
	return s.cfg.prefix + name + ext
}

func (s *Store) Put(ctx context.Context, name string, doc domain.FindingsDocument) error {
	if err := domain.ValidateRepositoryName(name); err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: err}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: fmt.Errorf("marshal document: %w", err)}
	}
	_, err = s.client.PutObject(ctx, s.cfg.bucket, s.key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return &domain.StorageError{Op: "put", Repository: name, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (domain.FindingsDocument, error) {
	var doc domain.FindingsDocument
	if domain.ValidateRepositoryName(name) != nil {
		return doc, domain.ErrNotFound
	}
	object, err := s.client.GetObject(ctx, s.cfg.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return doc, s.readErr(name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return doc, s.readErr(name, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, &domain.StorageError{Op: "get", Repository: name, Err: fmt.Errorf("decode document: %w", err)}
	}
	if doc.Findings == nil {
		doc.Findings = []domain.Finding{}
	}
	return doc, nil
}

func (s *Store) readErr(name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return domain.ErrNotFound
	}
	return &domain.StorageError{Op: "get", Repository: name, Err: err}
}

func (s *Store) ListScanned(ctx context.Context) ([]string, error) {
	names := []string{}
	for obj := range s.client.ListObjects(ctx, s.cfg.bucket, minio.ListObjectsOptions{Prefix: s.cfg.prefix}) {
		if obj.Err != nil {
			return nil, &domain.StorageError{Op: "list", Err: obj.Err}
		}
		name := strings.TrimPrefix(obj.Key, s.cfg.prefix)
		if !strings.HasSuffix(name, ext) {
			continue
		}
		name = strings.TrimSuffix(name, ext)
		if domain.ValidateRepositoryName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
