package metadata

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

// FromWatermill converts Watermill metadata into orderflow metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts orderflow metadata into a Watermill map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// FromAMQPTable converts AMQP headers into metadata. Non-string values written by
// foreign producers are rendered with fmt so nothing is silently dropped.
func FromAMQPTable(table amqp.Table) Metadata {
	if len(table) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(table))
	for k, v := range table {
		switch typed := v.(type) {
		case string:
			result[k] = typed
		case []byte:
			result[k] = string(typed)
		default:
			result[k] = fmt.Sprint(typed)
		}
	}
	return result
}
