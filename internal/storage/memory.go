package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// MemoryBucket is an in-process object store with the same surface as Bucket.
// Presigned URLs point at a fake host and carry the expiry as a query value.
type MemoryBucket struct {
	name    string
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{name: name, objects: make(map[string]memoryObject)}
}

func (b *MemoryBucket) Name() string {
	return b.name
}

func (b *MemoryBucket) Put(objectKey string, data []byte) {
	_ = b.WriteObject(context.Background(), objectKey, data, "application/octet-stream")
}

func (b *MemoryBucket) ContentType(objectKey string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.objects[objectKey].contentType
}

func (b *MemoryBucket) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[objectKey]
	return ok, nil
}

func (b *MemoryBucket) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
	}
	return append([]byte(nil), obj.data...), nil
}

func (b *MemoryBucket) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectKey] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (b *MemoryBucket) PresignedGetURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	return b.presign("GET", objectKey, expiry), nil
}

func (b *MemoryBucket) PresignedPutURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	return b.presign("PUT", objectKey, expiry), nil
}

func (b *MemoryBucket) presign(method, objectKey string, expiry time.Duration) string {
	u := url.URL{
		Scheme: "http",
		Host:   "memory.local",
		Path:   "/" + b.name + "/" + objectKey,
	}
	q := u.Query()
	q.Set("method", method)
	q.Set("expires", fmt.Sprintf("%d", int(expiry.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}
