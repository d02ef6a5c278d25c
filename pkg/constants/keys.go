package constants

import (
	"strconv"
	"time"
)

// Redis key prefixes and names
const (
	ActiveConversationsKey = "intervention:active_conversations"
	ConversationKeyPrefix  = "intervention:conversation:"
	MessageKeyPrefix       = "intervention:message:"
	MessageListKeyPrefix   = "intervention:messages:"
	ProcessedEventPrefix   = "intervention:processed:"
	MemoryKeyPrefix        = "intervention:memory:"
	LockKeyPrefix          = "intervention:lock:"
	TypingChannelPrefix    = "typing:"
	LeaderKey              = "intervention:leader"
	PartitionLeasePrefix   = "intervention:partition:"
)

// Stream consumer tuning
const (
	StreamReadCount       = 10
	StreamBlock           = 1 * time.Second
	PendingCheckInterval  = 30 * time.Second
	PendingMinIdle        = 1 * time.Minute
	MemoryListMaxLength   = 50
	ConversationReadLimit = 250 * time.Millisecond
)

func ConversationKey(conversationID string) string {
	return ConversationKeyPrefix + conversationID
}

func MessageKey(messageID string) string {
	return MessageKeyPrefix + messageID
}

func MessageListKey(conversationID string) string {
	return MessageListKeyPrefix + conversationID
}

func ProcessedEventKey(eventID string) string {
	return ProcessedEventPrefix + eventID
}

func MemoryKey(conversationID string) string {
	return MemoryKeyPrefix + conversationID
}

func LockKey(conversationID string) string {
	return LockKeyPrefix + conversationID
}

func TypingChannel(conversationID string) string {
	return TypingChannelPrefix + conversationID
}

// PartitionLeaseKey names the lease whose holder consumes an inbound partition
func PartitionLeaseKey(partition int) string {
	return PartitionLeasePrefix + strconv.Itoa(partition) + ":owner"
}
