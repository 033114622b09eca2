package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockDataError struct {
	data any
	msg  string
}

func (m *mockDataError) Error() string {
	return m.msg
}

func (m *mockDataError) ErrorData() any {
	return m.data
}

const tooManyMsg = "Query returned more than 10000 results. Try with this block range [0x5cd0a1, 0x5cd0c4]."

func TestIsTooManyResultsError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantMatch bool
		wantData  string
	}{
		{
			name: "nil error",
		},
		{
			name: "non-DataError error",
			err:  errors.New("some other error"),
		},
		{
			name:     "DataError with unrelated message",
			err:      &mockDataError{data: "execution reverted", msg: "execution reverted"},
			wantData: "execution reverted",
		},
		{
			name:      "DataError with too many results message",
			err:       &mockDataError{data: tooManyMsg, msg: "query limit"},
			wantMatch: true,
			wantData:  tooManyMsg,
		},
		{
			name:      "wrapped DataError",
			err:       fmt.Errorf("eth_getLogs: %w", &mockDataError{data: tooManyMsg, msg: "query limit"}),
			wantMatch: true,
			wantData:  tooManyMsg,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			match, data := IsTooManyResultsError(tt.err)
			require.Equal(t, tt.wantMatch, match)
			require.Equal(t, tt.wantData, data)
		})
	}
}

func TestParseSuggestedBlockRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      string
		wantFrom uint64
		wantTo   uint64
		wantOK   bool
	}{
		{name: "empty"},
		{name: "no range", msg: "Query returned more than 10000 results."},
		{name: "valid range", msg: tooManyMsg, wantFrom: 0x5cd0a1, wantTo: 0x5cd0c4, wantOK: true},
		{name: "no space after comma", msg: "range [0x10,0x20]", wantFrom: 16, wantTo: 32, wantOK: true},
		{name: "inverted range", msg: "range [0x20, 0x10]"},
		{name: "decimal numbers", msg: "range [100, 200]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			from, to, ok := ParseSuggestedBlockRange(tt.msg)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantFrom, from)
			require.Equal(t, tt.wantTo, to)
		})
	}
}
