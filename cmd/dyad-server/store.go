// store.go implements the sharded in-memory key-value store holding the
// serialized sketches, plus the binary snapshot format used by the hybrid
// journal. The store never interprets the bytes it holds; type checks
// against the sketch magic happen in the handlers.
//
// Sharding
// ========
//
// Keys are partitioned across 256 shards, each behind its own RWMutex, so
// writes to different keys rarely contend. Shard assignment hashes the key
// with xxhash (already linked for the sketch projection) modulo 256.
//
// The Binary Format (DYD1)
// ========================
//
// Snapshots are written for raw loading speed, not interchange:
//
//	+--------+-----------+-----------+     +-----+----------+
//	| Header | Shard 0   | Shard 1   | ... | EOF | Checksum |
//	+--------+-----------+-----------+     +-----+----------+
//	 4 bytes   variable    variable         1 B    8 bytes
//
// Header is the magic string "DYD1". Each non-empty shard is one block:
//
//	+--------+----------+-------+------+-----+------+-------+-----+
//	| OpCode | Shard ID | Count | KLen | Key | VLen | Value | ... |
//	+--------+----------+-------+------+-----+------+-------+-----+
//	  0xFE     1 byte    4 bytes 4 bytes var  4 bytes  var
//
// A 0xFF byte ends the binary section; this marker, not the file size,
// delimits the snapshot so that RESP text commands can follow it in the
// same file. The trailing 8 bytes are a CRC64 (ISO) over everything
// before them.
//
// Storing the shard ID in the block lets the loader insert straight into
// the destination shard without rehashing any key.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const persistenceMagic = "DYD1"

const shardCount = 256

// Opcodes for the snapshot stream.
const (
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF
)

// Shard is one slice of the store with its own lock.
type Shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// Store routes keys to shards.
type Store struct {
	shards [shardCount]*Shard
}

func NewStore() *Store {
	s := &Store{}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &Shard{data: make(map[string][]byte)}
	}
	return s
}

func (s *Store) getShard(key string) *Shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

// Set stores a value, replacing any previous one.
func (s *Store) Set(key string, value []byte) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.data[key] = value
}

// Get returns the stored value, or nil, false if the key is absent.
func (s *Store) Get(key string) ([]byte, bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	val, ok := shard.data[key]
	return val, ok
}

// Delete removes a key and reports whether it existed.
func (s *Store) Delete(key string) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	_, ok := shard.data[key]
	if ok {
		delete(shard.data, key)
	}
	return ok
}

// Exists reports whether a key is present.
func (s *Store) Exists(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.data[key]
	return ok
}

// View runs a read-only callback under the shard's read lock. The
// callback sees the live backing bytes (nil if the key is absent) and
// must not retain or mutate them. This is what makes zero-copy sketch
// queries safe against a concurrent SK.ADD to the same key.
func (s *Store) View(key string, fn func(data []byte) error) error {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return fn(shard.data[key])
}

// Mutate atomically reads, modifies, and writes back a value. The
// callback receives the current value (nil if absent) and returns the
// replacement plus whether to commit it; returning false aborts the
// write, which is how handlers bail out on type errors without losing
// the stored value.
func (s *Store) Mutate(key string, fn func([]byte) ([]byte, bool)) {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	newValue, changed := fn(shard.data[key])
	if changed {
		shard.data[key] = newValue
	}
}

// SaveSnapshotToWriter serializes the whole store in the DYD1 format.
//
// Shards are copied to a RAM buffer one at a time under a read lock that
// is released before the slow write, so at any moment 255 of 256 shards
// accept writes normally. The stream is teed through a CRC64 hasher so
// the checksum costs no second pass.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	crcTable := crc64.MakeTable(crc64.ISO)
	hasher := crc64.New(crcTable)

	multiWriter := io.MultiWriter(w, hasher)
	bw := bufio.NewWriter(multiWriter)

	if _, err := bw.WriteString(persistenceMagic); err != nil {
		return err
	}

	// Reused across shards to limit GC pressure; sketch values run to
	// megabytes, so the shard buffer dominates snapshot memory.
	shardBuf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)

	for i := 0; i < shardCount; i++ {
		shard := s.shards[i]

		shard.mu.RLock()
		count := len(shard.data)
		if count == 0 {
			shard.mu.RUnlock()
			continue
		}

		shardBuf.Reset()
		shardBuf.WriteByte(OpCodeShardData)
		shardBuf.WriteByte(byte(i))

		binary.LittleEndian.PutUint32(lenBuf, uint32(count))
		shardBuf.Write(lenBuf)

		for k, v := range shard.data {
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(k)))
			shardBuf.Write(lenBuf)
			shardBuf.WriteString(k)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
			shardBuf.Write(lenBuf)
			shardBuf.Write(v)
		}
		shard.mu.RUnlock()

		if _, err := shardBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(OpCodeEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum itself is not hashed, so it goes to the raw writer.
	return binary.Write(w, binary.LittleEndian, hasher.Sum64())
}

// LoadSnapshotFromReader restores the store from a DYD1 stream. It
// consumes exactly the binary section (header, shard blocks, EOF marker,
// checksum) and stops, leaving the reader positioned at the first byte
// of any RESP text tail that follows. The reader must be buffered
// because the format is parsed byte-by-byte.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	header := make([]byte, len(persistenceMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if string(header) != persistenceMagic {
		return errors.New("invalid snapshot header")
	}

	crcTable := crc64.MakeTable(crc64.ISO)
	hasher := crc64.New(crcTable)
	hasher.Write(header)

	lenBuf := make([]byte, 4)
	keyScratch := make([]byte, 256)

	for {
		opcode, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{opcode})

		if opcode == OpCodeEOF {
			break
		}
		if opcode != OpCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", opcode)
		}

		shardID, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{shardID})
		shard := s.shards[int(shardID)]

		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return err
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			kLen := binary.LittleEndian.Uint32(lenBuf)

			if uint32(cap(keyScratch)) < kLen {
				keyScratch = make([]byte, kLen)
			}
			keySlice := keyScratch[:kLen]
			if _, err := io.ReadFull(r, keySlice); err != nil {
				return err
			}
			hasher.Write(keySlice)
			key := string(keySlice)

			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			vLen := binary.LittleEndian.Uint32(lenBuf)

			valBuf := make([]byte, vLen)
			if _, err := io.ReadFull(r, valBuf); err != nil {
				return err
			}
			hasher.Write(valBuf)

			// Direct insertion: the block's shard ID is trusted, so no
			// key needs rehashing. Corruption is caught by the checksum.
			shard.data[key] = valBuf
		}
	}

	stored := make([]byte, 8)
	if _, err := io.ReadFull(r, stored); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(stored) != hasher.Sum64() {
		return errors.New("snapshot corruption: checksum mismatch")
	}

	return nil
}
