package common

const (
	ComponentRunner        = "runner"
	ComponentBlockSource   = "block-source"
	ComponentArchive       = "archive"
	ComponentLiveRPC       = "live-rpc"
	ComponentReorgDetector = "reorg-detector"
	ComponentSequencer     = "sequencer"
	ComponentStore         = "store"
	ComponentMaintenance   = "maintenance"
	ComponentTransfers     = "transfers"
)

var AllComponents = map[string]struct{}{
	ComponentRunner:        {},
	ComponentBlockSource:   {},
	ComponentArchive:       {},
	ComponentLiveRPC:       {},
	ComponentReorgDetector: {},
	ComponentSequencer:     {},
	ComponentStore:         {},
	ComponentMaintenance:   {},
	ComponentTransfers:     {},
}
