package main

import (
	"io"
	"strconv"

	"dyad.lopezb.com/internal/dyad/countmin"
)

// Pre-allocated buffers for the most frequent responses. These cover the
// hot paths (PONG, OK, and the small integers SK.ADD and SK.RANGE return
// constantly) without any per-response allocation.
var (
	respOK   = []byte("+OK\r\n")
	respPong = []byte("+PONG\r\n")
	respZero = []byte(":0\r\n")
	respOne  = []byte(":1\r\n")
	respNil  = []byte("$-1\r\n")
)

func (app *application) writeSimpleStringResponse(w io.Writer, s string) error {
	if s == "OK" {
		_, err := w.Write(respOK)
		return err
	}
	if s == "PONG" {
		_, err := w.Write(respPong)
		return err
	}

	// Format: +string\r\n
	buf := make([]byte, 0, 1+len(s)+2)
	buf = append(buf, '+')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeErrorResponse(w io.Writer, errStr string) error {
	app.metrics.CommandErrors.Add(1)

	// Format: -string\r\n
	buf := make([]byte, 0, 1+len(errStr)+2)
	buf = append(buf, '-')
	buf = append(buf, errStr...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeBulkStringResponse(w io.Writer, s string) error {
	// Format: $length\r\nstring\r\n
	buf := make([]byte, 0, 16+len(s))
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeIntegerResponse(w io.Writer, i int) error {
	return app.writeIntegerResponse64(w, int64(i))
}

func (app *application) writeIntegerResponse64(w io.Writer, i int64) error {
	if i == 0 {
		_, err := w.Write(respZero)
		return err
	}
	if i == 1 {
		_, err := w.Write(respOne)
		return err
	}

	// Format: :integer\r\n
	buf := make([]byte, 0, 24)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, i, 10)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeNilResponse(w io.Writer) error {
	// Format: $-1\r\n (null bulk string)
	_, err := w.Write(respNil)
	return err
}

// writeBulkBytesResponse writes raw bytes as a RESP bulk string, used by
// SK.EXPORT to ship the sketch image without a string conversion.
func (app *application) writeBulkBytesResponse(w io.Writer, data []byte) error {
	buf := make([]byte, 0, 16+len(data))
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, data...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

// writeInteger64ArrayResponse writes a RESP array of integers, the
// response shape of SK.COUNT. Everything goes out in one Write call.
func (app *application) writeInteger64ArrayResponse(w io.Writer, values []int64) error {
	buf := make([]byte, 0, 8+len(values)*12)

	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(values)), 10)
	buf = append(buf, '\r', '\n')

	for _, v := range values {
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, v, 10)
		buf = append(buf, '\r', '\n')
	}

	_, err := w.Write(buf)
	return err
}

// writeBucketArrayResponse writes histogram buckets as an array of
// three-integer arrays, one [lo, hi, count] triple per bucket:
//
//	*<buckets>\r\n (*3\r\n:lo\r\n:hi\r\n:count\r\n)...
func (app *application) writeBucketArrayResponse(w io.Writer, buckets []countmin.Bucket) error {
	buf := make([]byte, 0, 8+len(buckets)*48)

	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(buckets)), 10)
	buf = append(buf, '\r', '\n')

	for _, b := range buckets {
		buf = append(buf, '*', '3', '\r', '\n')
		for _, v := range [3]int64{b.Lo, b.Hi, b.Count} {
			buf = append(buf, ':')
			buf = strconv.AppendInt(buf, v, 10)
			buf = append(buf, '\r', '\n')
		}
	}

	_, err := w.Write(buf)
	return err
}
