package rpc

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
)

var (
	tooManyResultsRe = regexp.MustCompile(`Query returned more than \d+ results`)
	blockRangeRe     = regexp.MustCompile(`\[(0x[0-9a-fA-F]+),\s*(0x[0-9a-fA-F]+)\]`)
)

// IsTooManyResultsError checks if the error is an RPC "too many results" error (DataError with message in ErrorData).
func IsTooManyResultsError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		errData := fmt.Sprintf("%v", dataErr.ErrorData())
		return tooManyResultsRe.MatchString(errData), errData
	}

	return false, ""
}

// ParseSuggestedBlockRange extracts the block range a node suggests after rejecting a log query.
// Expected format: "Query returned more than 10000 results. Try with this block range [0x5cd0a1, 0x5cd0c4]."
func ParseSuggestedBlockRange(msg string) (fromBlock, toBlock uint64, ok bool) {
	if msg == "" {
		return 0, 0, false
	}

	matches := blockRangeRe.FindStringSubmatch(msg)

	const expectedMatches = 3 // full match + 2 groups
	if len(matches) != expectedMatches {
		return 0, 0, false
	}

	from, err1 := common.ParseUint64orHex(&matches[1])
	to, err2 := common.ParseUint64orHex(&matches[2])

	if err1 != nil || err2 != nil || to < from {
		return 0, 0, false
	}

	return from, to, true
}

// errorType buckets an error for the rpc error counter.
func errorType(err error) string {
	if ok, _ := IsTooManyResultsError(err); ok {
		return "too_many_results"
	}
	if IsRetryable(err) {
		return "transient"
	}
	return "other"
}
