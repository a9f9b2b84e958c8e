// handlers_sketch.go implements the dyadic Count-Min sketch commands.
//
// A sketch key holds the serialized counter panel produced by the
// countmin package, magic header included. Handlers type-check keys by
// that magic before touching them, load sketches zero-copy with
// NewFromBytes, and rely on the store's locking discipline:
//
//   - Writes (SK.INIT, SK.INITBYPROB, SK.ADD, SK.MERGE, SK.RESTORE) run
//     inside Mutate, so read-modify-write on a key is atomic.
//   - Queries (SK.COUNT, SK.RANGE, SK.CENTILE, SK.HISTW, SK.HISTD,
//     SK.EXPORT) run inside View under the shard's read lock.
//
// Missing keys are treated as empty sketches on the query side: counts
// are zero, ranges are zero, and centiles/depth histograms are nil
// (undefined over nothing). SK.ADD auto-creates its key with the
// server's default dimensions, which is what lets independent writers
// each start inserting into their own key with no init handshake and
// merge later.

package main

import (
	"errors"
	"io"
	"strconv"

	"dyad.lopezb.com/internal/dyad/canonical"
	"dyad.lopezb.com/internal/dyad/countmin"
)

// parseValue parses a sketchable value argument.
func parseValue(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

// handleSketchInit handles the SK.INIT command.
// Syntax: SK.INIT key width depth
//
// Creates an empty sketch with explicit dimensions. Fails if the key
// already exists.
func (app *application) handleSketchInit(w io.Writer, args []string) {
	if len(args) != 3 {
		app.wrongNumberOfArgsResponse(w, "SK.INIT")
		return
	}

	key := args[0]

	width, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil || width == 0 {
		_ = app.writeErrorResponse(w, "ERR invalid width")
		return
	}
	depth, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil || depth == 0 {
		_ = app.writeErrorResponse(w, "ERR invalid depth")
		return
	}

	var keyExists bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		if data != nil {
			keyExists = true
			return data, false
		}

		s, err := countmin.New(uint32(width), uint32(depth), canonical.TypeInt64)
		if err != nil {
			return nil, false
		}
		return s.Bytes(), true
	})

	if keyExists {
		_ = app.writeErrorResponse(w, "ERR key already exists")
		return
	}

	app.logCommand("SK.INIT", args)
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleSketchInitByProb handles the SK.INITBYPROB command.
// Syntax: SK.INITBYPROB key epsilon delta
//
// Like SK.INIT, but dimensions are derived from the error bound epsilon
// and the failure probability delta.
func (app *application) handleSketchInitByProb(w io.Writer, args []string) {
	if len(args) != 3 {
		app.wrongNumberOfArgsResponse(w, "SK.INITBYPROB")
		return
	}

	key := args[0]

	epsilon, err := strconv.ParseFloat(args[1], 64)
	if err != nil || epsilon <= 0 || epsilon >= 1 {
		_ = app.writeErrorResponse(w, "ERR invalid epsilon (must be between 0 and 1)")
		return
	}
	delta, err := strconv.ParseFloat(args[2], 64)
	if err != nil || delta <= 0 || delta >= 1 {
		_ = app.writeErrorResponse(w, "ERR invalid delta (must be between 0 and 1)")
		return
	}

	width, depth := countmin.DimensionsFromProb(epsilon, delta)

	var keyExists bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		if data != nil {
			keyExists = true
			return data, false
		}

		s, err := countmin.New(width, depth, canonical.TypeInt64)
		if err != nil {
			return nil, false
		}
		return s.Bytes(), true
	})

	if keyExists {
		_ = app.writeErrorResponse(w, "ERR key already exists")
		return
	}

	app.logCommand("SK.INITBYPROB", args)
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleSketchAdd handles the SK.ADD command.
// Syntax: SK.ADD key value [value ...]
//
// Inserts each value into the sketch at all 64 dyadic levels. A missing
// key is created on the fly with the server's default dimensions.
// Returns the number of values inserted.
func (app *application) handleSketchAdd(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "SK.ADD")
		return
	}

	key := args[0]
	rawValues := args[1:]

	values := make([]int64, len(rawValues))
	for i, raw := range rawValues {
		v, ok := parseValue(raw)
		if !ok {
			_ = app.writeErrorResponse(w, "ERR value is not an integer or out of range")
			return
		}
		values[i] = v
	}

	var typeError, overflowError bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		var s *countmin.Sketch
		var err error

		if data == nil {
			s, err = countmin.New(app.config.sketchWidth, app.config.sketchDepth, canonical.TypeInt64)
			if err != nil {
				typeError = true
				return nil, false
			}
		} else {
			if !countmin.HasValidMagic(data) {
				typeError = true
				return data, false
			}
			if s, err = countmin.NewFromBytes(data); err != nil {
				typeError = true
				return data, false
			}
		}

		for _, v := range values {
			if err := s.Insert(v); err != nil {
				if errors.Is(err, countmin.ErrCounterOverflow) {
					overflowError = true
				} else {
					typeError = true
				}
				return data, false
			}
		}

		return s.Bytes(), true
	})

	if overflowError {
		_ = app.writeErrorResponse(w, "ERR sketch counter overflow")
		return
	}
	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	app.logCommand("SK.ADD", args)
	_ = app.writeIntegerResponse(w, len(values))
}

// handleSketchMerge handles the SK.MERGE command.
// Syntax: SK.MERGE dest src [src ...]
//
// Folds the source sketches into dest by pointwise counter addition. If
// dest does not exist it is seeded from the first source, so shard
// writers can merge into a fresh total key. All sketches must agree on
// dimensions and value type. Sources are unchanged.
func (app *application) handleSketchMerge(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "SK.MERGE")
		return
	}

	destKey := args[0]
	srcKeys := args[1:]

	// Copy each source out under its shard's read lock. Merging never
	// mutates a source, but the backing bytes could change under a
	// concurrent SK.ADD once the lock is dropped.
	sources := make([][]byte, 0, len(srcKeys))
	var missingKey string
	var typeError bool

	for _, srcKey := range srcKeys {
		_ = app.store.View(srcKey, func(data []byte) error {
			if data == nil {
				missingKey = srcKey
				return nil
			}
			if !countmin.HasValidMagic(data) {
				typeError = true
				return nil
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			sources = append(sources, cp)
			return nil
		})
		if missingKey != "" || typeError {
			break
		}
	}

	if missingKey != "" {
		_ = app.writeErrorResponse(w, "ERR source key not found")
		return
	}
	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	var mergeErr error

	app.store.Mutate(destKey, func(data []byte) ([]byte, bool) {
		var acc *countmin.Sketch
		var err error
		remaining := sources

		if data != nil {
			if !countmin.HasValidMagic(data) {
				typeError = true
				return data, false
			}
			if acc, err = countmin.NewFromBytes(data); err != nil {
				typeError = true
				return data, false
			}
		} else {
			// Seed from the first source; it is already a private copy.
			if acc, err = countmin.NewFromBytes(remaining[0]); err != nil {
				typeError = true
				return nil, false
			}
			remaining = remaining[1:]
		}

		for _, src := range remaining {
			other, err := countmin.NewFromBytes(src)
			if err != nil {
				typeError = true
				return data, false
			}
			if acc, err = acc.Merge(other); err != nil {
				mergeErr = err
				return data, false
			}
		}

		return acc.Bytes(), true
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if mergeErr != nil {
		switch {
		case errors.Is(mergeErr, countmin.ErrDimensionMismatch):
			_ = app.writeErrorResponse(w, "ERR sketch dimensions do not match")
		case errors.Is(mergeErr, countmin.ErrTypeMismatch):
			_ = app.writeErrorResponse(w, "ERR sketch value types do not match")
		case errors.Is(mergeErr, countmin.ErrCounterOverflow):
			_ = app.writeErrorResponse(w, "ERR sketch counter overflow")
		default:
			_ = app.writeErrorResponse(w, "ERR merge failed")
		}
		return
	}

	app.logCommand("SK.MERGE", args)
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleSketchCount handles the SK.COUNT command.
// Syntax: SK.COUNT key value [value ...]
//
// Returns the estimated insertion count for each value. Estimates never
// undercount. A missing key reports zero for every value.
func (app *application) handleSketchCount(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "SK.COUNT")
		return
	}

	key := args[0]
	rawValues := args[1:]

	values := make([]int64, len(rawValues))
	for i, raw := range rawValues {
		v, ok := parseValue(raw)
		if !ok {
			_ = app.writeErrorResponse(w, "ERR value is not an integer or out of range")
			return
		}
		values[i] = v
	}

	results := make([]int64, len(values))
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}
		if !countmin.HasValidMagic(data) {
			typeError = true
			return nil
		}

		s, err := countmin.NewFromBytes(data)
		if err != nil {
			typeError = true
			return nil
		}

		for i, v := range values {
			if results[i], err = s.Estimate(v); err != nil {
				typeError = true
				return nil
			}
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	_ = app.writeInteger64ArrayResponse(w, results)
}

// handleSketchRange handles the SK.RANGE command.
// Syntax: SK.RANGE key lo hi
//
// Returns the estimated number of inserted values in the closed interval
// [lo, hi]. An inverted interval or a missing key counts zero.
func (app *application) handleSketchRange(w io.Writer, args []string) {
	if len(args) != 3 {
		app.wrongNumberOfArgsResponse(w, "SK.RANGE")
		return
	}

	key := args[0]

	lo, okLo := parseValue(args[1])
	hi, okHi := parseValue(args[2])
	if !okLo || !okHi {
		_ = app.writeErrorResponse(w, "ERR value is not an integer or out of range")
		return
	}

	var count int64
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}
		if !countmin.HasValidMagic(data) {
			typeError = true
			return nil
		}

		s, err := countmin.NewFromBytes(data)
		if err != nil {
			typeError = true
			return nil
		}
		if count, err = s.RangeCount(lo, hi); err != nil {
			typeError = true
			return nil
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	_ = app.writeIntegerResponse64(w, count)
}

// handleSketchCentile handles the SK.CENTILE command.
// Syntax: SK.CENTILE key p
//
// Returns the approximate value below which p percent of insertions
// fall, for p in 1..99. A missing or empty sketch has no centiles and
// replies nil.
func (app *application) handleSketchCentile(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "SK.CENTILE")
		return
	}

	key := args[0]

	p, err := strconv.Atoi(args[1])
	if err != nil || p <= 0 || p >= 100 {
		_ = app.writeErrorResponse(w, "ERR centile must be between 1 and 99")
		return
	}

	var value int64
	var empty, typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			empty = true
			return nil
		}
		if !countmin.HasValidMagic(data) {
			typeError = true
			return nil
		}

		s, err := countmin.NewFromBytes(data)
		if err != nil {
			typeError = true
			return nil
		}

		value, err = s.Centile(p)
		if errors.Is(err, countmin.ErrEmptySketch) {
			empty = true
			return nil
		}
		if err != nil {
			typeError = true
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if empty {
		_ = app.writeNilResponse(w)
		return
	}

	_ = app.writeIntegerResponse64(w, value)
}

// handleSketchHistWidth handles the SK.HISTW command.
// Syntax: SK.HISTW key min max buckets
//
// Returns an equi-width histogram of [min, max] as an array of
// [lo, hi, count] triples. Fewer buckets than requested come back when
// the interval is too narrow; an inverted interval or a missing key
// yields an empty array.
func (app *application) handleSketchHistWidth(w io.Writer, args []string) {
	if len(args) != 4 {
		app.wrongNumberOfArgsResponse(w, "SK.HISTW")
		return
	}

	key := args[0]

	min, okMin := parseValue(args[1])
	max, okMax := parseValue(args[2])
	if !okMin || !okMax {
		_ = app.writeErrorResponse(w, "ERR value is not an integer or out of range")
		return
	}

	buckets, err := strconv.Atoi(args[3])
	if err != nil || buckets < 1 {
		_ = app.writeErrorResponse(w, "ERR invalid bucket count")
		return
	}

	var result []countmin.Bucket
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}
		if !countmin.HasValidMagic(data) {
			typeError = true
			return nil
		}

		s, err := countmin.NewFromBytes(data)
		if err != nil {
			typeError = true
			return nil
		}
		if result, err = s.WidthHistogram(min, max, buckets); err != nil {
			typeError = true
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	_ = app.writeBucketArrayResponse(w, result)
}

// handleSketchHistDepth handles the SK.HISTD command.
// Syntax: SK.HISTD key buckets
//
// Returns an equi-depth histogram: bucket bounds at equally spaced
// centiles, each annotated with its range count, as [lo, hi, count]
// triples. A missing or empty sketch has no centiles and replies nil.
func (app *application) handleSketchHistDepth(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "SK.HISTD")
		return
	}

	key := args[0]

	buckets, err := strconv.Atoi(args[1])
	if err != nil || buckets < 1 {
		_ = app.writeErrorResponse(w, "ERR invalid bucket count")
		return
	}

	var result []countmin.Bucket
	var empty, tooMany, typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			empty = true
			return nil
		}
		if !countmin.HasValidMagic(data) {
			typeError = true
			return nil
		}

		s, err := countmin.NewFromBytes(data)
		if err != nil {
			typeError = true
			return nil
		}

		result, err = s.DepthHistogram(buckets)
		switch {
		case errors.Is(err, countmin.ErrEmptySketch):
			empty = true
		case errors.Is(err, countmin.ErrCentileRange):
			tooMany = true
		case err != nil:
			typeError = true
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if tooMany {
		_ = app.writeErrorResponse(w, "ERR bucket count requires centiles beyond the 99th")
		return
	}
	if empty {
		_ = app.writeNilResponse(w)
		return
	}

	_ = app.writeBucketArrayResponse(w, result)
}

// handleSketchExport handles the SK.EXPORT command.
// Syntax: SK.EXPORT key
//
// Returns the serialized sketch as a binary bulk string, suitable for
// backup or for SK.RESTORE on another server. Missing keys reply nil.
func (app *application) handleSketchExport(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "SK.EXPORT")
		return
	}

	key := args[0]

	var blob []byte
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}
		if !countmin.HasValidMagic(data) {
			typeError = true
			return nil
		}
		blob = make([]byte, len(data))
		copy(blob, data)
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if blob == nil {
		_ = app.writeNilResponse(w)
		return
	}

	_ = app.writeBulkBytesResponse(w, blob)
}

// handleSketchRestore handles the SK.RESTORE command.
// Syntax: SK.RESTORE key <blob>
//
// Installs a previously exported sketch under a fresh key. The blob is
// validated (magic, dimensions, size) before anything is stored; a key
// that already exists is not overwritten.
func (app *application) handleSketchRestore(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "SK.RESTORE")
		return
	}

	key := args[0]
	blob := []byte(args[1])

	if _, err := countmin.NewFromBytes(blob); err != nil {
		_ = app.writeErrorResponse(w, "ERR invalid sketch payload")
		return
	}

	var keyExists bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		if data != nil {
			keyExists = true
			return data, false
		}
		return blob, true
	})

	if keyExists {
		_ = app.writeErrorResponse(w, "ERR key already exists")
		return
	}

	app.logCommand("SK.RESTORE", args)
	_ = app.writeSimpleStringResponse(w, "OK")
}
