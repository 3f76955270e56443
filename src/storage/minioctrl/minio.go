package minioctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"jobmatch/src/core/queue"
)

const (
	TaskArchiveBucket = "task-archive"
	archivePrefix     = "tasks"
)

type MinioService struct {
	client *minio.Client
}

func NewMinioService(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioService{
		client: client,
	}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := s.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s *MinioService) GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	return data, nil
}

func (s *MinioService) PutObject(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}

	return nil
}

// ObjectStore is the subset of MinioService the archive goes through
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName, contentType string, data []byte) error
	GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error)
}

// TaskArchive stores purged queue tasks as one JSON-lines object per purge batch
type TaskArchive struct {
	store       ObjectStore
	bucket      string
	timeNowFunc func() time.Time
}

var _ queue.Archiver = (*TaskArchive)(nil)

func NewTaskArchive(store ObjectStore, bucket string) *TaskArchive {
	if bucket == "" {
		bucket = TaskArchiveBucket
	}
	return &TaskArchive{store: store, bucket: bucket, timeNowFunc: time.Now}
}

func (a *TaskArchive) Archive(ctx context.Context, tasks []queue.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	data, err := EncodeTasks(tasks)
	if err != nil {
		return err
	}
	if err := a.store.PutObject(ctx, a.bucket, a.ObjectName(), "application/x-ndjson", data); err != nil {
		return fmt.Errorf("failed to archive %d tasks: %w", len(tasks), err)
	}
	return nil
}

// Load reads one archive object back
func (a *TaskArchive) Load(ctx context.Context, objectName string) ([]queue.Task, error) {
	data, err := a.store.GetObject(ctx, a.bucket, objectName)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive %s: %w", objectName, err)
	}
	return DecodeTasks(data)
}

// ObjectName is tasks/<yyyy-mm-dd>/<uuid>.jsonl
func (a *TaskArchive) ObjectName() string {
	return fmt.Sprintf("%s/%s/%s.jsonl", archivePrefix, a.timeNowFunc().UTC().Format("2006-01-02"), uuid.NewString())
}

func EncodeTasks(tasks []queue.Task) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range tasks {
		if err := enc.Encode(&tasks[i]); err != nil {
			return nil, fmt.Errorf("failed to encode task %d: %w", tasks[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeTasks reads an archive object back
func DecodeTasks(data []byte) ([]queue.Task, error) {
	var tasks []queue.Task
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var t queue.Task
		if err := dec.Decode(&t); err == io.EOF {
			return tasks, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode archived task: %w", err)
		}
		tasks = append(tasks, t)
	}
}
