package serverless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richinsley/comfyworker/job"
)

// JobStatus mirrors the status strings of the platform's job API.
type JobStatus string

const (
	JobInQueue    JobStatus = "IN_QUEUE"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

var ErrJobNotFound = errors.New("job not found")

// JobRecord is what /status returns for a job.
type JobRecord struct {
	ID            string      `json:"id"`
	Status        JobStatus   `json:"status"`
	Output        *job.Result `json:"output,omitempty"`
	Error         string      `json:"error,omitempty"`
	DelayTime     int64       `json:"delayTime,omitempty"`     // ms spent queued
	ExecutionTime int64       `json:"executionTime,omitempty"` // ms spent running
	CreatedAt     time.Time   `json:"createdAt"`
}

// Finish records the terminal result of the job.
func (r *JobRecord) Finish(res job.Result, started time.Time) {
	r.Output = &res
	r.Status = JobCompleted
	if !res.Success() {
		r.Status = JobFailed
		r.Error = res.Error
	}
	r.ExecutionTime = time.Since(started).Milliseconds()
}

type JobStore interface {
	Put(ctx context.Context, rec *JobRecord) error
	Get(ctx context.Context, id string) (*JobRecord, error)
}

// MemoryStore keeps records in process; they are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]JobRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]JobRecord)}
}

func (s *MemoryStore) Put(ctx context.Context, rec *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &rec, nil
}

// RedisStore keeps records in Redis with a TTL so /status survives a restart of the API.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("comfyworker:job:%s", id)
}

func (s *RedisStore) Put(ctx context.Context, rec *JobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(rec.ID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*JobRecord, error) {
	js, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET job: %w", err)
	}
	var rec JobRecord
	if err := json.Unmarshal(js, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &rec, nil
}
