package optimize

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileRecordSink appends audit records to a file, one JSON object per line.
type FileRecordSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileRecordSink opens (or creates) the file at path for appending.
func NewFileRecordSink(path string) (*FileRecordSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record sink: %w", err)
	}
	return &FileRecordSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Persist implements RecordSink.
func (s *FileRecordSink) Persist(rec OptimizationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("record sink closed")
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file. Close is idempotent.
func (s *FileRecordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.enc = nil
	return err
}
