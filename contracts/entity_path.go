package contracts

import "fmt"

// QueuePath returns the AMQP node address for a queue.
func QueuePath(queue string) string {
	return queue
}

// QueueDeadLetterPath returns the AMQP node address for a queue's
// dead-letter sub-entity.
func QueueDeadLetterPath(queue string) string {
	return fmt.Sprintf("%s/$DeadLetterQueue", queue)
}

// TopicSubscriptionPath returns the AMQP node address for a topic
// subscription.
func TopicSubscriptionPath(topic, subscription string) string {
	return fmt.Sprintf("%s/Subscriptions/%s", topic, subscription)
}

// TopicSubscriptionDeadLetterPath returns the AMQP node address for a
// topic subscription's dead-letter sub-entity.
func TopicSubscriptionDeadLetterPath(topic, subscription string) string {
	return fmt.Sprintf("%s/Subscriptions/%s/$DeadLetterQueue", topic, subscription)
}

// ManagementPath returns the $management node address for an entity path.
func ManagementPath(entityPath string) string {
	return fmt.Sprintf("%s/$management", entityPath)
}
