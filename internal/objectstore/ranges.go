package objectstore

import (
	"strconv"
	"strings"

	"depot/internal/apierror"
)

// parseRange parses "bytes=<start>-<end?>" or the suffix form "bytes=-<n>"
// against an object of size bytes and returns the inclusive window.
func parseRange(header string, size int64) (int64, int64, error) {
	rangeSet, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(rangeSet, ",") {
		return 0, 0, apierror.ErrInvalidRange.WithMessage("Only a single bytes=<start>-<end> range is supported.")
	}

	startStr, endStr, ok := strings.Cut(rangeSet, "-")
	if !ok {
		return 0, 0, apierror.ErrInvalidRange.WithMessage("Malformed range.")
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return 0, 0, apierror.ErrInvalidRange
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, apierror.ErrInvalidRange.WithMessage("Malformed range start.")
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, apierror.ErrInvalidRange.WithMessage("Malformed range end.")
		}
	}

	if start >= size || end >= size || start > end {
		return 0, 0, apierror.ErrInvalidRange
	}
	return start, end, nil
}
