package resumable

import (
	"sync"
	"time"
)

// Stats tracks upload metrics across all uploads of an Uploader.
type Stats struct {
	transmitTime time.Duration
	transmits    int64
	bytesSent    int64
	retries      int64
	renewals     int64
	completed    int64
	failed       int64
	mu           sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordTransmit records one transmit attempt and the bytes it consumed from its stream.
func (s *Stats) RecordTransmit(d time.Duration, sent int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transmitTime += d
	s.transmits++
	s.bytesSent += sent
}

// RecordRetry records a transient failure that was followed by a backoff.
func (s *Stats) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// RecordRenewal records an expired session replaced by a new one.
func (s *Stats) RecordRenewal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewals++
}

// RecordResult records the end of an upload.
func (s *Stats) RecordResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		return
	}
	s.completed++
}

// Average returns the average duration of a transmit attempt.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transmits == 0 {
		return 0
	}
	return s.transmitTime / time.Duration(s.transmits)
}

// BytesSent returns the bytes consumed by all transmit attempts, retransmissions included.
func (s *Stats) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

// Transmits returns the number of transmit attempts.
func (s *Stats) Transmits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmits
}

// Retries returns the number of transient failures.
func (s *Stats) Retries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Renewals returns the number of replaced sessions.
func (s *Stats) Renewals() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals
}

// CompletedCount returns the number of successful uploads.
func (s *Stats) CompletedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// FailedCount returns the number of uploads that ended with an error.
func (s *Stats) FailedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
