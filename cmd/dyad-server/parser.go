// RESP request parser.
//
// The server speaks the REdis Serialization Protocol so that redis-cli,
// redis-benchmark, and any standard Redis client library work against it
// out of the box, and so that arbitrary binary payloads (SK.RESTORE blobs)
// travel safely: every chunk is length-prefixed, never delimiter-scanned.
//
// Only the request subset is implemented. Commands arrive in two shapes:
//
//   - RESP arrays, the standard programmatic form:
//     "*2\r\n$8\r\nSK.COUNT\r\n$4\r\nreqs\r\n"
//   - Inline commands, the human/debug form used via netcat or telnet:
//     "SK.COUNT reqs 42\r\n"
//
// Hardening: length headers are validated before any allocation so a
// client cannot force a huge buffer with "$999999999\r\n" or
// "*999999999\r\n", and readLine caps unterminated input.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// MaxBulkLength caps a single bulk string at 512MB, matching the
	// Redis proto-max-bulk-len default. Large enough for any exported
	// sketch blob at sane dimensions.
	MaxBulkLength = 512 * 1024 * 1024

	// MaxArrayLen caps the element count of a command array.
	MaxArrayLen = 1 << 20

	// MaxLineSize caps header and inline command lines.
	MaxLineSize = 64 * 1024
)

var (
	ErrInvalidSyntax = errors.New("ERR protocol error: invalid syntax")
	ErrLineTooLong   = errors.New("ERR protocol error: line too long")
	ErrBulkTooLarge  = errors.New("ERR protocol error: bulk string exceeds 512MB limit")
	ErrArrayTooLong  = errors.New("ERR protocol error: array exceeds 1M elements limit")
)

type Parser struct {
	reader *bufio.Reader
}

func NewParser(conn io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReaderSize(conn, 4096),
	}
}

// Parse reads one command from the connection in either format.
func (p *Parser) Parse() ([]string, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}

	if len(line) == 0 {
		return nil, ErrInvalidSyntax
	}

	if line[0] == '*' {
		return p.parseRESPArray(line)
	}
	return p.parseInline(line)
}

// readLine reads bytes until '\n', enforcing MaxLineSize so a client
// that never sends a newline cannot grow the buffer without bound.
func (p *Parser) readLine() ([]byte, error) {
	line, isPrefix, err := p.reader.ReadLine()
	if err != nil {
		return nil, err
	}

	if !isPrefix {
		return line, nil
	}

	// Line exceeded the reader's buffer; accumulate with a hard cap.
	var buf bytes.Buffer
	buf.Write(line)

	for isPrefix {
		line, isPrefix, err = p.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		if buf.Len()+len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		buf.Write(line)
	}

	return buf.Bytes(), nil
}

// parseInline splits a space-separated command line.
func (p *Parser) parseInline(line []byte) ([]string, error) {
	parts := bytes.Fields(line)
	if len(parts) == 0 {
		return nil, ErrInvalidSyntax
	}

	result := make([]string, len(parts))
	for i, part := range parts {
		result[i] = string(part)
	}
	return result, nil
}

// parseRESPArray parses "*<count>\r\n" followed by count bulk strings.
func (p *Parser) parseRESPArray(header []byte) ([]string, error) {
	count, err := strconv.Atoi(string(bytes.TrimSpace(header[1:])))
	if err != nil {
		return nil, ErrInvalidSyntax
	}

	// Null (*-1) and empty (*0) arrays are valid but carry no command.
	if count <= 0 {
		return []string{}, nil
	}
	if count > MaxArrayLen {
		return nil, ErrArrayTooLong
	}

	command := make([]string, 0, count)
	for i := 0; i < count; i++ {
		str, err := p.parseBulkString()
		if err != nil {
			return nil, err
		}
		command = append(command, str)
	}
	return command, nil
}

// Buffered returns the bytes waiting in the reader. A non-zero value
// means the client pipelined further commands, which the connection loop
// uses to delay flushing responses.
func (p *Parser) Buffered() int {
	return p.reader.Buffered()
}

// parseBulkString reads "$<length>\r\n<data>\r\n". A null bulk string
// ($-1) comes back as the empty string; no command here distinguishes
// the two.
func (p *Parser) parseBulkString() (string, error) {
	line, err := p.readLine()
	if err != nil {
		return "", err
	}

	if len(line) == 0 || line[0] != '$' {
		return "", ErrInvalidSyntax
	}

	length, err := strconv.Atoi(string(bytes.TrimSpace(line[1:])))
	if err != nil {
		return "", ErrInvalidSyntax
	}

	if length == -1 {
		return "", nil
	}
	if length < 0 {
		return "", ErrInvalidSyntax
	}
	if length > MaxBulkLength {
		return "", ErrBulkTooLarge
	}

	// Data plus trailing CRLF in one read.
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return "", err
	}
	if buf[length] != '\r' || buf[length+1] != '\n' {
		return "", ErrInvalidSyntax
	}

	return string(buf[:length]), nil
}
