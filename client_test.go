package sbuscore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(client *fakeClient) *Client {
	return newClient(fakeDialer(client), "amqps://test")
}

func TestClient_GetQueueCachesByName(t *testing.T) {
	c := newTestClient(&fakeClient{})

	a := c.GetQueue("orders")
	b := c.GetQueue("orders")
	other := c.GetQueue("invoices")

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}

func TestClient_GetTopicCachesByName(t *testing.T) {
	c := newTestClient(&fakeClient{})

	a := c.GetTopic("events")
	b := c.GetTopic("events")

	assert.Same(t, a, b)
}

func TestNewClientFromConnectionString_RejectsBadConnectionString(t *testing.T) {
	_, err := NewClientFromConnectionString("garbage")
	require.Error(t, err)
}

func TestNewClientFromConnectionString_ParsesValidConnectionString(t *testing.T) {
	cs := "Endpoint=sb://my-namespace.servicebus.windows.net/;SharedAccessKeyName=Root;SharedAccessKey=secret"
	client, err := NewClientFromConnectionString(cs)
	require.NoError(t, err)
	require.NotNil(t, client)
	client.Dispose(context.Background())
}

func TestClient_DisposeTearsDownAllCachedHandlesAndThePool(t *testing.T) {
	fc := &fakeClient{}
	c := newTestClient(fc)

	q := c.GetQueue("orders")
	tp := c.GetTopic("events")
	require.True(t, q.CanSend(context.Background()))
	require.True(t, tp.CanSend(context.Background()))

	c.Dispose(context.Background())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.True(t, fc.closed)
	for _, s := range fc.sessions {
		for _, sl := range s.senders {
			assert.True(t, sl.closed)
		}
	}
}
