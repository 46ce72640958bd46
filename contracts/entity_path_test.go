package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityPaths(t *testing.T) {
	assert.Equal(t, "orders", QueuePath("orders"))
	assert.Equal(t, "orders/$DeadLetterQueue", QueueDeadLetterPath("orders"))
	assert.Equal(t, "orders/Subscriptions/billing", TopicSubscriptionPath("orders", "billing"))
	assert.Equal(t, "orders/Subscriptions/billing/$DeadLetterQueue", TopicSubscriptionDeadLetterPath("orders", "billing"))
	assert.Equal(t, "orders/$management", ManagementPath("orders"))
	assert.Equal(t, "orders/Subscriptions/billing/$management", ManagementPath(TopicSubscriptionPath("orders", "billing")))
}
