package model

// CurrentObsKey holds the id of the most recently configured product.
const CurrentObsKey = "current:obs:id"

const (
	KeyTimestamp      = "timestamp"
	KeyAntennas       = "antennas"
	KeyNChannels      = "n_channels"
	KeyProxyName      = "proxy_name"
	KeyStreams        = "streams"
	KeyCamURL         = "cam:url"
	KeyScheduleBlocks = "schedule_blocks"
)

// ProductKey namespaces a key under a product: "<product_id>:<suffix>".
func ProductKey(id ProductID, suffix string) string {
	return string(id) + ":" + suffix
}
