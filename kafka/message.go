// Package kafka holds the wire-level value types shared by every
// collaborator of the consumer core: messages, batches, and the
// topic/partition coordinates that key them.
package kafka

import (
	"strconv"
	"time"
)

// Header is a single record header. Kafka allows duplicate keys, so
// headers are kept as a slice rather than a map.
type Header struct {
	Key   string
	Value []byte
}

// HeaderValue returns the value of the first header matching key.
func HeaderValue(headers []Header, key string) ([]byte, bool) {
	for _, h := range headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.FormatInt(int64(tp.Partition), 10)
}

// Message is an immutable record read from a single partition. Key is
// nil when the source record carried no key.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   []Header
}

func (m Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Batch is a contiguous run of Messages from a single topic+partition,
// plus the highwater mark observed at fetch time. Batch may be empty.
type Batch struct {
	Topic               string
	Partition           int32
	Messages            []Message
	HighwaterMarkOffset int64
}

func (b Batch) TopicPartition() TopicPartition {
	return TopicPartition{Topic: b.Topic, Partition: b.Partition}
}

// IsEmpty reports whether the batch carries no messages.
func (b Batch) IsEmpty() bool {
	return len(b.Messages) == 0
}

// LastOffset returns the offset of the last message in the batch and
// true, or (0, false) if the batch is empty.
func (b Batch) LastOffset() (int64, bool) {
	if b.IsEmpty() {
		return 0, false
	}
	return b.Messages[len(b.Messages)-1].Offset, true
}

// OffsetLag returns highwater_mark_offset - last_message.offset - 1, the
// number of messages still behind the log end at fetch time. An empty
// batch has no message to measure lag from and reports 0.
func (b Batch) OffsetLag() int64 {
	last, ok := b.LastOffset()
	if !ok {
		return 0
	}
	return b.HighwaterMarkOffset - last - 1
}
