package store

import (
	"strconv"
	"strings"
)

// encodeUint32s and encodeInt32s give traceroute hop/SNR slices a plain
// comma-separated column representation, avoiding a second join table for
// what is always read back as a whole row (rendered summary).

func encodeUint32s(vs []uint32) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

func encodeInt32s(vs []int32) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	return strings.Join(parts, ",")
}
