package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "phase.completed", map[string]string{"phase": "crawl"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "phase.started", "images")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"phase.completed", "phase.started"}, pub.Events())

	msgs[0].Event = "modified"
	assert.Equal(t, "phase.completed", pub.Messages()[0].Event, "Messages() must return a copy")
}
