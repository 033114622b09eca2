package transfers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	internalcommon "github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
)

// KeyPrefix prefixes every transfer record key.
const KeyPrefix = "transfer:"

// Handler maps batches of blocks to transfer upserts.
type Handler struct {
	contracts map[common.Address]struct{}
	log       *logger.Logger
}

// NewHandler creates a handler accepting Transfer logs from the given contracts.
// With no contracts every emitter is accepted.
func NewHandler(contracts []common.Address, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	set := make(map[common.Address]struct{}, len(contracts))
	for _, c := range contracts {
		set[c] = struct{}{}
	}
	return &Handler{contracts: set, log: log}
}

// Key returns the store key of a transfer record.
func Key(id string) string {
	return KeyPrefix + id
}

// Handle decodes every Transfer log in batch and returns one upsert per log, in block order.
func (h *Handler) Handle(ctx context.Context, batch chain.Batch) ([]store.Mutation, error) {
	var mutations []store.Mutation

	for _, block := range batch.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, entry := range block.Logs {
			if len(h.contracts) > 0 {
				if _, ok := h.contracts[entry.Address]; !ok {
					skippedInc("address")
					continue
				}
			}

			transfer, err := Decode(entry)
			if errors.Is(err, ErrUnrecognizedEvent) {
				h.log.Debugw("skipping log", "block", block.Height(), "log_index", entry.LogIndex, "error", err)
				skippedInc("unrecognized")
				continue
			}
			if err != nil {
				return nil, err
			}

			id := internalcommon.FormatLogID(block.Height(), entry.LogIndex, block.Header.Hash.Hex())
			mutations = append(mutations, store.Mutation{
				Height: block.Height(),
				Key:    Key(id),
				Fields: map[string]string{
					"id":      id,
					"block":   strconv.FormatUint(block.Height(), 10),
					"from":    strings.ToLower(transfer.From.Hex()),
					"to":      strings.ToLower(transfer.To.Hex()),
					"value":   transfer.Value.String(),
					"txnHash": entry.TransactionHash.Hex(),
				},
			})
		}
	}

	decodedAdd(len(mutations))
	if len(mutations) > 0 {
		h.log.Debugw("decoded transfers",
			"from", batch.FromHeight,
			"to", batch.ToHeight,
			"transfers", len(mutations),
		)
	}
	return mutations, nil
}
