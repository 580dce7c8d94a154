package metadata

// Reserved header keys written by the envelope codec and the bus.
const (
	// KeyTypeTag identifies the concrete event shape. Transports carry it as a
	// header or application property, never inside the body.
	KeyTypeTag = "event_message_schema"

	KeyCorrelationID = "correlation_id"
	KeyOccurredAt    = "occurred_at"

	// KeyHandler and KeyDestination are set on the per-handler message copy
	// so middlewares and hooks can attribute work.
	KeyHandler     = "socialbus_handler"
	KeyDestination = "socialbus_destination"

	// KeyPartitionKey overrides the partition key on partitioned transports.
	KeyPartitionKey = "partition_key"
)

// Get returns the value stored under key, or "" when absent.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}
