package resumable

import (
	"fmt"
	"strconv"
	"strings"
)

// probeContentRange declares an unknown position with a known total.
func probeContentRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// transmitContentRange declares the range [offset, total) of a transmit request.
// When nothing remains to be sent the position is unknown, like in a probe.
func transmitContentRange(offset, total int64) string {
	if offset >= total {
		return probeContentRange(total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", offset, total-1, total)
}

// parseRangeOffset returns the offset following the last byte the server acknowledged.
// The server reports the received bytes as "bytes=0-<n>"; an empty header means nothing was received.
func parseRangeOffset(header string) (int64, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil
	}

	byteRange := strings.TrimPrefix(header, "bytes=")
	if byteRange == header {
		return 0, fmt.Errorf("invalid range header %q: missing bytes= prefix", header)
	}

	parts := strings.Split(byteRange, "-")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid range header %q", header)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid range start in %q: %w", header, err)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid range end in %q: %w", header, err)
	}
	if start != 0 || end < start {
		return 0, fmt.Errorf("invalid range %q: expected bytes=0-<n>", header)
	}

	return end + 1, nil
}
