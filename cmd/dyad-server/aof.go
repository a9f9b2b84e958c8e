// aof.go is the low-level handle for the append-only journal: an os.File
// behind a mutex and a write buffer, so request goroutines can append
// concurrently. What gets written (RESP text, snapshot bytes) is decided
// by persistence.go and store.go; this layer only moves bytes safely.
//
// Appends land in the bufio.Writer first. The background maintenance
// loop calls Fsync once a second, which is what bounds data loss to one
// second of recent writes on a crash.

package main

import (
	"bufio"
	"os"
	"sync"
)

type AOF struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func NewAOF(path string) (*AOF, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}

	return &AOF{
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

func (aof *AOF) Write(data []byte) error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	// Buffered; reaches the OS when the buffer fills or on Fsync.
	_, err := aof.writer.Write(data)
	return err
}

func (aof *AOF) Close() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Close()
}

// Fsync flushes the buffer to the OS and forces the OS to commit the
// data to the physical disk.
func (aof *AOF) Fsync() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Sync()
}
