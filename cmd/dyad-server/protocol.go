package main

import (
	"strconv"
	"strings"
)

// encodeCommand serializes a command and its arguments into a RESP array,
// the wire format appended to the journal for every successful write.
// Using the same encoding clients send keeps the log replayable by the
// normal parser and inspectable with standard Redis tooling.
//
// Example:
//
//	Input:  "SK.ADD", ["reqs", "42"]
//	Output: "*3\r\n$6\r\nSK.ADD\r\n$4\r\nreqs\r\n$2\r\n42\r\n"
func encodeCommand(command string, args []string) []byte {
	var sb strings.Builder
	sb.Grow(64)

	sb.WriteString("*")
	sb.WriteString(strconv.Itoa(len(args) + 1))
	sb.WriteString("\r\n")

	sb.WriteString("$")
	sb.WriteString(strconv.Itoa(len(command)))
	sb.WriteString("\r\n")
	sb.WriteString(command)
	sb.WriteString("\r\n")

	for i := 0; i < len(args); i++ {
		sb.WriteString("$")
		sb.WriteString(strconv.Itoa(len(args[i])))
		sb.WriteString("\r\n")
		sb.WriteString(args[i])
		sb.WriteString("\r\n")
	}

	return []byte(sb.String())
}
