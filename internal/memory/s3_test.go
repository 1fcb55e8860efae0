package memory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectServer serves path-style GetObject and PutObject from a map.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	failGet bool
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if s.failGet {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		data, ok := s.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		_, _ = w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.objects[r.URL.Path] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *objectServer) object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

func (s *objectServer) setObject(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
}

func newS3TestRepo(t *testing.T, opts ...Option) (*S3Repository, *objectServer) {
	t.Helper()
	backend := &objectServer{objects: make(map[string][]byte)}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RetryMaxAttempts:           1,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3Repository(client, "relay", "memory.json", opts...), backend
}

func TestS3RepositoryLoadMissingObject(t *testing.T) {
	repo, _ := newS3TestRepo(t)

	got := repo.Load(context.Background(), "42")
	if got.History == nil || len(got.History) != 0 || got.PersonalInfo != "" {
		t.Errorf("expected default state, got %+v", got)
	}
	ids, err := repo.List(context.Background())
	if err != nil || len(ids) != 0 {
		t.Errorf("expected no ids, got %v, %v", ids, err)
	}
}

func TestS3RepositorySaveLoadAndTruncate(t *testing.T) {
	repo, backend := newS3TestRepo(t, WithHistoryCap(6))
	ctx := context.Background()

	if err := repo.Save(ctx, "42", UserState{History: turns(10), PersonalInfo: "chai"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, "7", UserState{History: turns(1)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := repo.Load(ctx, "42")
	if len(got.History) != 6 || got.History[0].Content != "msg-4" || got.PersonalInfo != "chai" {
		t.Errorf("expected last 6 turns and info, got %+v", got)
	}
	if other := repo.Load(ctx, "7"); len(other.History) != 1 {
		t.Errorf("cross-user state leaked: %+v", other)
	}

	data, ok := backend.object("/relay/memory.json")
	if !ok {
		t.Fatal("store object was not written")
	}
	if _, err := Decode(data); err != nil {
		t.Errorf("stored object does not decode: %v", err)
	}

	ids, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "42,7" {
		t.Errorf("unexpected ids %v", ids)
	}

	if err := repo.Clear(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if got := repo.Load(ctx, "42"); len(got.History) != 0 || got.PersonalInfo != "" {
		t.Errorf("expected cleared state, got %+v", got)
	}
}

func TestS3RepositoryConcurrentUpdates(t *testing.T) {
	repo, _ := newS3TestRepo(t, WithHistoryCap(100))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Update(ctx, "42", func(s UserState) UserState {
				return s.Append(Turn{Role: RoleUser, Content: fmt.Sprint(i)})
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := repo.Load(ctx, "42"); len(got.History) != 20 {
		t.Errorf("expected 20 turns, got %d", len(got.History))
	}
}

func TestS3RepositoryCorruptObjectRecovers(t *testing.T) {
	stats := &recordingMetrics{}
	repo, backend := newS3TestRepo(t, WithMetrics(stats))
	ctx := context.Background()
	backend.setObject("/relay/memory.json", []byte("{not json"))

	if got := repo.Load(ctx, "42"); len(got.History) != 0 {
		t.Errorf("expected default state from corrupt object, got %+v", got)
	}
	if err := repo.Save(ctx, "42", UserState{History: turns(2)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if kept, ok := backend.object("/relay/memory.json.corrupt"); !ok || string(kept) != "{not json" {
		t.Errorf("expected corrupt copy, got %q (%v)", kept, ok)
	}
	if got := repo.Load(ctx, "42"); len(got.History) != 2 {
		t.Errorf("expected rewritten store, got %+v", got)
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.corrupt < 2 {
		t.Errorf("expected corrupt object counted on load and save, got %d", stats.corrupt)
	}
}

func TestS3RepositoryReadFailure(t *testing.T) {
	repo, backend := newS3TestRepo(t)
	ctx := context.Background()
	backend.mu.Lock()
	backend.failGet = true
	backend.mu.Unlock()

	if _, err := repo.Update(ctx, "42", func(s UserState) UserState { return s }); err == nil {
		t.Fatal("expected error when the object cannot be read")
	}
	if _, ok := backend.object("/relay/memory.json"); ok {
		t.Error("nothing should be written after a failed read")
	}
	if got := repo.Load(ctx, "42"); len(got.History) != 0 {
		t.Errorf("expected default state, got %+v", got)
	}
}
