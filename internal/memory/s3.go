package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by S3Repository.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Location identifies the store object and how to reach it.
type S3Location struct {
	Bucket string
	Key    string
	Region string
	// Endpoint overrides the default AWS endpoint resolution.
	Endpoint  string
	PathStyle bool
}

// S3Repository keeps the whole Store as one JSON object, with the same
// document format and write section as FileRepository.
type S3Repository struct {
	settings
	client S3API
	bucket string
	key    string

	mu sync.Mutex
}

// NewS3Repository creates a repository over an existing client.
func NewS3Repository(client S3API, bucket, key string, opts ...Option) *S3Repository {
	return &S3Repository{
		settings: newSettings(opts),
		client:   client,
		bucket:   bucket,
		key:      key,
	}
}

// OpenS3Repository builds an S3 client from the default AWS credential
// chain and loc.
func OpenS3Repository(ctx context.Context, loc S3Location, opts ...Option) (*S3Repository, error) {
	var cfgOpts []func(*config.LoadOptions) error
	if loc.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(loc.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if loc.Endpoint != "" {
			o.BaseEndpoint = aws.String(loc.Endpoint)
		}
		o.UsePathStyle = loc.PathStyle
	})
	return NewS3Repository(client, loc.Bucket, loc.Key, opts...), nil
}

// Load returns the stored state for userID or the default state.
func (r *S3Repository) Load(ctx context.Context, userID string) UserState {
	store, err := r.readStore(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "memory object unreadable, using empty store",
			"bucket", r.bucket, "key", r.key, "error", err)
	}
	state, ok := store[userID]
	if !ok {
		return NewUserState()
	}
	return cloneState(state)
}

// Save replaces the stored state for userID.
func (r *S3Repository) Save(ctx context.Context, userID string, state UserState) error {
	_, err := r.Update(ctx, userID, func(UserState) UserState { return state })
	return err
}

// Update fetches the object, applies fn to userID's state and writes the
// object back, all inside the store's write section.
func (r *S3Repository) Update(ctx context.Context, userID string, fn func(UserState) UserState) (UserState, error) {
	if err := ctx.Err(); err != nil {
		return UserState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	store, err := r.readStore(ctx)
	if err != nil {
		if !errors.Is(err, ErrStoreCorrupt) {
			r.observeWrite(start, err)
			return UserState{}, fmt.Errorf("read memory object: %w", err)
		}
		r.logger.WarnContext(ctx, "memory object corrupt, rewriting from empty store",
			"bucket", r.bucket, "key", r.key, "error", err)
		r.quarantine(ctx)
	}

	current, ok := store[userID]
	if !ok {
		current = NewUserState()
	}
	next := Truncate(fn(cloneState(current)), r.cap)
	store[userID] = next

	data, err := Encode(store)
	if err == nil {
		err = r.put(ctx, r.key, data)
	}
	r.observeWrite(start, err)
	if err != nil {
		return UserState{}, err
	}
	return cloneState(next), nil
}

// Clear resets userID to the default state.
func (r *S3Repository) Clear(ctx context.Context, userID string) error {
	return r.Save(ctx, userID, NewUserState())
}

// List returns all stored user IDs in sorted order.
func (r *S3Repository) List(ctx context.Context) ([]string, error) {
	store, err := r.readStore(ctx)
	if err != nil {
		return nil, err
	}
	return store.IDs(), nil
}

// readStore fetches and decodes the object. A missing object is an empty
// store.
func (r *S3Repository) readStore(ctx context.Context) (Store, error) {
	data, err := r.get(ctx)
	if err != nil {
		if isNotFound(err) {
			return Store{}, nil
		}
		return Store{}, err
	}
	store, err := Decode(data)
	if err != nil && r.stats != nil {
		r.stats.IncStoreCorrupt()
	}
	return store, err
}

func (r *S3Repository) get(ctx context.Context) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read memory object body: %w", err)
	}
	return data, nil
}

func (r *S3Repository) put(ctx context.Context, key string, data []byte) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put memory object %s: %w", key, err)
	}
	return nil
}

// quarantine copies the corrupt object to <key>.corrupt before it is
// overwritten. Failures are only logged.
func (r *S3Repository) quarantine(ctx context.Context) {
	data, err := r.get(ctx)
	if err != nil {
		return
	}
	dst := r.key + ".corrupt"
	if err := r.put(ctx, dst, data); err != nil {
		r.logger.WarnContext(ctx, "could not keep copy of corrupt memory object", "key", dst, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "kept copy of corrupt memory object", "key", dst)
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

var _ Repository = (*S3Repository)(nil)
