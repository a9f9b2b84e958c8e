// handlers.go implements the server-level commands that are not tied to
// the sketch type: PING, INFO, COMPACT, DEL, and MEMORY.

package main

import (
	"fmt"
	"io"
	"strings"
)

// handlePing handles the PING command.
// Syntax: PING
func (app *application) handlePing(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "PING")
		return
	}

	_ = app.writeSimpleStringResponse(w, "PONG")
}

// handleInfo handles the INFO command.
// Syntax: INFO
//
// Reports server counters in the Redis INFO format: CRLF-terminated
// key:value lines under # section headers. The active connection count
// is the current occupancy of the limiter semaphore.
func (app *application) handleInfo(w io.Writer, args []string) {
	if len(args) > 0 {
		app.wrongNumberOfArgsResponse(w, "INFO")
		return
	}

	totalConns := app.metrics.TotalConnections.Load()
	totalCmds := app.metrics.TotalCommands.Load()
	cmdErrors := app.metrics.CommandErrors.Load()
	compactions := app.metrics.Compactions.Load()
	activeConns := len(app.connLimiter)

	var b strings.Builder
	b.WriteString("# Server\r\n")
	b.WriteString(fmt.Sprintf("connections_total:%d\r\n", totalConns))
	b.WriteString(fmt.Sprintf("connections_active:%d\r\n", activeConns))
	b.WriteString(fmt.Sprintf("commands_processed_total:%d\r\n", totalCmds))
	b.WriteString(fmt.Sprintf("command_errors_total:%d\r\n", cmdErrors))
	b.WriteString("# Persistence\r\n")
	b.WriteString(fmt.Sprintf("aof_enabled:%t\r\n", app.aof != nil))
	b.WriteString(fmt.Sprintf("aof_compactions_total:%d\r\n", compactions))

	_ = app.writeBulkStringResponse(w, b.String())
}

// handleCompact handles the COMPACT command.
// Syntax: COMPACT
//
// Manually triggers a journal rewrite. The isRewriting flag is shared
// with the automatic trigger in the maintenance loop, so two compactions
// can never run at once. The rewrite runs in a goroutine and the client
// gets an immediate acknowledgement; completion is reported in the logs.
func (app *application) handleCompact(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "COMPACT")
		return
	}

	if app.aof == nil {
		_ = app.writeErrorResponse(w, "ERR persistence is disabled, nothing to compact")
		return
	}

	if !app.isRewriting.CompareAndSwap(false, true) {
		_ = app.writeErrorResponse(w, "ERR Background append only file rewriting already in progress")
		return
	}

	go func() {
		defer app.isRewriting.Store(false)

		app.logger.Info("user requested background AOF rewrite started")

		if err := app.CompactAOF(); err != nil {
			app.logger.Error("background rewrite failed", "error", err)
		} else {
			app.logger.Info("background AOF rewrite finished successfully")
		}
	}()

	_ = app.writeSimpleStringResponse(w, "Background append only file rewriting started")
}

// handleDel handles the DEL command.
// Syntax: DEL key [key ...]
//
// Missing keys are ignored; the reply is the number actually removed.
func (app *application) handleDel(w io.Writer, args []string) {
	if len(args) == 0 {
		app.wrongNumberOfArgsResponse(w, "DEL")
		return
	}

	var deletedKeys []string
	for _, key := range args {
		if app.store.Delete(key) {
			deletedKeys = append(deletedKeys, key)
		}
	}

	// Log only the keys that existed, so replay never deletes blindly.
	if len(deletedKeys) > 0 {
		app.logCommand("DEL", deletedKeys)
	}

	_ = app.writeIntegerResponse(w, len(deletedKeys))
}

// handleMemory handles the MEMORY command.
// Syntax: MEMORY USAGE <key>
func (app *application) handleMemory(w io.Writer, args []string) {
	if len(args) < 1 {
		app.wrongNumberOfArgsResponse(w, "MEMORY")
		return
	}

	subcommand := strings.ToUpper(args[0])
	switch subcommand {
	case "USAGE":
		app.handleMemoryUsage(w, args[1:])
	default:
		msg := fmt.Sprintf("ERR unknown subcommand '%s'. Try MEMORY USAGE <key>", subcommand)
		_ = app.writeErrorResponse(w, msg)
	}
}

// handleMemoryUsage handles MEMORY USAGE <key>, reporting the
// approximate footprint of a key: the stored bytes plus the fixed
// overhead of the key string header, value slice header, and map entry.
// Returns nil for missing keys, matching Redis semantics. For sketch
// keys the value dominates: 64 levels of width*depth int64 counters.
func (app *application) handleMemoryUsage(w io.Writer, args []string) {
	if len(args) != 1 {
		_ = app.writeErrorResponse(w, "ERR wrong number of arguments for 'MEMORY USAGE' command")
		return
	}

	const mapOverhead = 72

	key := args[0]
	var size int
	found := false

	_ = app.store.View(key, func(data []byte) error {
		if data != nil {
			found = true
			size = len(key) + len(data) + mapOverhead
		}
		return nil
	})

	if !found {
		_ = app.writeNilResponse(w)
		return
	}

	_ = app.writeIntegerResponse(w, size)
}
