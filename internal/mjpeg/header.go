package mjpeg

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Part header field names, matched case-insensitively.
const (
	fieldContentLength = "content-length"
	fieldTimestamp     = "x-timestamp"
)

// maxEpochMs is the largest magnitude a millisecond timestamp may have and
// still denote a calendar date (±100,000,000 days around the epoch).
const maxEpochMs = 8.64e15

// lookupField returns the trimmed value of the first "Name: Value" line in
// headers whose name equals field. Lines containing more than one colon are
// skipped.
func lookupField(headers, field string) (string, bool) {
	for _, line := range strings.Split(headers, "\n") {
		pair := strings.Split(line, ":")
		if len(pair) != 2 {
			continue
		}
		if strings.EqualFold(pair[0], field) {
			return strings.TrimSpace(pair[1]), true
		}
	}
	return "", false
}

// ContentLength returns the Content-Length declared in headers, or -1 if the
// field is absent or its value is not an integer.
func ContentLength(headers string) int {
	v, ok := lookupField(headers, fieldContentLength)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// Timestamp returns the X-Timestamp declared in headers as epoch
// milliseconds. Fractional values are truncated. When the field is absent,
// unparseable or outside the representable date range, the current wall
// clock is returned instead.
func Timestamp(headers string) int64 {
	return timestampAt(headers, time.Now)
}

func timestampAt(headers string, now func() time.Time) int64 {
	v, ok := lookupField(headers, fieldTimestamp)
	if !ok {
		return now().UnixMilli()
	}
	ms, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(ms) || math.Abs(ms) > maxEpochMs {
		return now().UnixMilli()
	}
	return int64(ms)
}
