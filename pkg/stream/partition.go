package stream

import (
	"hash/fnv"
	"strconv"
)

// PartitionFor maps a conversation onto one of n inbound partitions
func PartitionFor(conversationID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}

// PartitionStream names the stream of one partition. A single partition keeps the
// base name.
func PartitionStream(base string, partition, n int) string {
	if n <= 1 {
		return base
	}
	return base + ":" + strconv.Itoa(partition)
}
