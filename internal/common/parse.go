package common

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseUint64orHex converts the given uint64 string into the number.
// It can parse the string with 0x prefix as well.
func ParseUint64orHex(val *string) (uint64, error) {
	if val == nil {
		return 0, nil
	}

	str := *val
	base := 10

	if strings.HasPrefix(str, "0x") {
		str = str[2:]
		base = 16
	}

	return strconv.ParseUint(str, base, 64)
}

const bytesInMB = 1024 * 1024

func BytesToMB(bytes uint64) uint64 {
	return bytes / bytesInMB
}

func ToLowerWithTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FormatLogID renders the stable identifier of a log entry:
// zero-padded height, the first five hex digits of the block hash and the zero-padded log index.
func FormatLogID(height uint64, logIndex uint, blockHashHex string) string {
	short := strings.TrimPrefix(blockHashHex, "0x")
	if len(short) > 5 {
		short = short[:5]
	}
	return fmt.Sprintf("%010d-%s-%06d", height, short, logIndex)
}
