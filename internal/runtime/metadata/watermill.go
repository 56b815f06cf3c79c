package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill reads the task headers of a delivered message. The result
// never aliases md and is never nil.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	maps.Copy(out, md)
	return out
}

// ToWatermill converts task headers for an outgoing message.
func ToWatermill(md Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	maps.Copy(out, md)
	return out
}
