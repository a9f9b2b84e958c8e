// persistence.go orchestrates the hybrid journal: loading state at
// startup, logging writes during operation, and compaction.
//
// The journal holds a binary snapshot preamble (the DYD1 format from
// store.go) followed by a text tail of RESP commands appended since the
// last compaction:
//
//	+-----------------------+---------------------------+
//	| Binary Preamble       | Text Tail                 |
//	| (DYD1 Snapshot)       | (RESP Commands)           |
//	+-----------------------+---------------------------+
//
// Startup restores the preamble in one fast pass and then replays only
// the tail, so restart time stays proportional to the write volume since
// the last compaction, not the total history. Compaction collapses the
// whole file back into a fresh preamble via a temp file and an atomic
// rename; a crash at any point leaves either the old journal or the new
// one on disk, never a torn mix.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// logCommand appends a write command to the journal in RESP format.
// Every handler that successfully mutates the store calls this.
//
// Failures are logged, not returned: the in-memory mutation has already
// succeeded, so failing the client request now would only confuse it.
// Persistence failures are an operator problem, surfaced in the logs.
func (app *application) logCommand(command string, args []string) {
	if app.aof == nil {
		return
	}

	data := encodeCommand(command, args)

	if err := app.aof.Write(data); err != nil {
		app.logger.Error("CRITICAL: failed to append to AOF", "error", err, "command", command)
	}
}

// loadAOF restores server state from the journal at startup. It handles
// both pure-text journals and hybrid ones transparently: the first four
// bytes decide. A DYD1 magic means the snapshot loader consumes exactly
// the binary section, after which the same buffered reader feeds the
// RESP parser for the tail; anything else is treated as pure text. One
// monotonically advancing reader, no seeking, no second pass.
func (app *application) loadAOF() error {
	f, err := os.Open(app.config.aofFilename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)

	magic, _ := reader.Peek(4)
	if string(magic) == persistenceMagic {
		app.logger.Info("loading hybrid AOF preamble...")
		if err := app.store.LoadSnapshotFromReader(reader); err != nil {
			return fmt.Errorf("corrupt hybrid preamble: %w", err)
		}
	}

	parser := NewParser(reader)

	for {
		parts, err := parser.Parse()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A crash mid-append leaves a half-written last command,
			// which surfaces as io.ErrUnexpectedEOF. With
			// -aof-load-truncated (the default) we keep everything up
			// to the torn command and schedule a compaction to heal
			// the file. Any other mid-file error is real corruption
			// and stays fatal.
			if err == io.ErrUnexpectedEOF {
				if app.config.aofLoadTruncated {
					app.logger.Warn("AOF truncated at end - ignoring partial last command (this is normal after a crash)")
					app.needsCompaction = true
					return nil
				}
				return errors.New("AOF truncated (run with -aof-load-truncated=true to auto-recover)")
			}
			return err
		}

		app.router.Dispatch(app, io.Discard, parts)
	}

	return nil
}

// CompactAOF rewrites the journal as a fresh binary snapshot, discarding
// the accumulated text tail.
//
// Phase 1 streams the snapshot to a temp file without holding the AOF
// lock; the per-shard read locks in SaveSnapshotToWriter keep the server
// responsive throughout. Phase 2 takes the AOF lock only for the brief
// flush-close-rename-reopen sequence, pausing logCommand for a few
// milliseconds at most.
func (app *application) CompactAOF() error {
	tmpName := app.config.aofFilename + ".tmp"
	f, err := os.Create(tmpName)
	if err != nil {
		return err
	}

	// Cleanup state: don't double-close on the happy path, and don't
	// delete the journal after a successful rename.
	var (
		fileClosed    bool
		renameSuccess bool
	)
	defer func() {
		if !fileClosed {
			_ = f.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpName)
		}
	}()

	{
		bw := bufio.NewWriter(f)
		if err := app.store.SaveSnapshotToWriter(bw); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}

	// The snapshot must be on disk before it can replace the journal.
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fileClosed = true

	// Critical section: pause logCommand while the file is swapped.
	app.aof.mu.Lock()
	defer app.aof.mu.Unlock()

	if err := app.aof.writer.Flush(); err != nil {
		// Proceed anyway: the snapshot strictly supersedes whatever was
		// pending in the buffer.
		app.logger.Error("warning: failed to flush old AOF before rewrite", "error", err)
	}
	_ = app.aof.file.Close()

	if err := os.Rename(tmpName, app.config.aofFilename); err != nil {
		return err
	}
	renameSuccess = true

	newFile, err := os.OpenFile(app.config.aofFilename, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}

	app.aof.file = newFile
	app.aof.writer.Reset(newFile)

	// The compacted size becomes the base for the auto-rewrite policy.
	if stat, err := newFile.Stat(); err == nil {
		app.aofBaseSize.Store(stat.Size())
	}

	app.metrics.Compactions.Add(1)

	return nil
}
