package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func TestMessageForClassifiedEvent(t *testing.T) {
	t.Parallel()

	ev := crawler.ClassifiedEvent{PageID: 12, URL: "https://slo-tech.com/forum", PageType: "HTML", StatusCode: 200}
	msg, err := messageFor("page.classified", ev)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"event":     "page.classified",
		"page_type": "HTML",
		"page_id":   "12",
		"domain":    "slo-tech.com",
	}, msg.Attributes)

	var decoded crawler.ClassifiedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, ev.URL, decoded.URL)
}

func TestMessageForArbitraryPayload(t *testing.T) {
	t.Parallel()

	msg, err := messageFor("custom", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"event": "custom"}, msg.Attributes)

	_, err = messageFor("bad", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
}
