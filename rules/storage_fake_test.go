package rules

import (
	"context"
	"errors"
	"time"

	"github.com/mira-oakes/throttlegate/storage"
)

// failingStore is a storage.Store whose every operation errors, used to
// exercise error propagation through a rule without a real backend.
type failingStore struct{}

var errFakeBackend = errors.New("fake backend unavailable")

func (failingStore) IncrementCounter(context.Context, string, time.Duration, int64) (int64, error) {
	return 0, errFakeBackend
}
func (failingStore) GetCounter(context.Context, string, time.Duration) (int64, error) {
	return 0, errFakeBackend
}
func (failingStore) GetCounterTTL(context.Context, string, time.Duration) (time.Duration, error) {
	return 0, errFakeBackend
}
func (failingStore) ResetCounter(context.Context, string, time.Duration) error {
	return errFakeBackend
}
func (failingStore) CheckGCRA(context.Context, string, time.Duration, time.Duration, time.Duration, time.Time) (storage.GCRAResult, error) {
	return storage.GCRAResult{}, errFakeBackend
}
func (failingStore) PeekGCRA(context.Context, string, time.Duration, time.Duration, time.Time) (storage.GCRAResult, error) {
	return storage.GCRAResult{}, errFakeBackend
}
func (failingStore) CheckTokenBucket(context.Context, string, int64, float64, time.Duration, time.Time) (storage.TokenBucketResult, error) {
	return storage.TokenBucketResult{}, errFakeBackend
}
func (failingStore) PeekTokenBucket(context.Context, string, int64, float64, time.Time) (storage.TokenBucketResult, error) {
	return storage.TokenBucketResult{}, errFakeBackend
}
func (failingStore) Clear(context.Context, string) error { return errFakeBackend }
func (failingStore) Healthy(context.Context) bool         { return false }
func (failingStore) Close() error                         { return nil }
