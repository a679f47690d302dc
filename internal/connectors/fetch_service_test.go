package connectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savery/internal"
	"savery/internal/storage"
)

type staticConnector struct {
	messages []internal.FetchedMail
	err      error
	labels   []string
}

func (c *staticConnector) FetchInbox(_ context.Context, label string, max int) ([]internal.FetchedMail, error) {
	c.labels = append(c.labels, label)
	if c.err != nil {
		return nil, c.err
	}
	if max < len(c.messages) {
		return c.messages[:max], nil
	}
	return c.messages, nil
}

func TestFetchAndStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer db.Close()

	conn := &staticConnector{messages: []internal.FetchedMail{
		{Provider: "imap", MessageID: "<1@example.test>", Subject: "list", ReceivedAt: time.Now(), Raw: []byte("Subject: list\r\n\r\nmilk\r\n")},
		{Provider: "imap", MessageID: "<2@example.test>", Subject: "same body", Raw: []byte("Subject: list\r\n\r\nmilk\r\n")},
	}}
	rawDir := filepath.Join(dir, "raw")
	svc := NewFetchService(db, rawDir, conn)

	res, err := svc.FetchAndStore(ctx, "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Stored)
	require.Len(t, res.New, 2)
	assert.Equal(t, res.New[0].Hash, res.New[1].Hash)
	assert.Equal(t, []string{"INBOX"}, conn.labels)

	files, err := os.ReadDir(rawDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	blob, err := os.ReadFile(res.New[0].RawPath)
	require.NoError(t, err)
	assert.Equal(t, conn.messages[0].Raw, blob)

	res, err = svc.FetchAndStore(ctx, "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Empty(t, res.New)
}

func TestFetchAndStorePropagatesConnectorErrors(t *testing.T) {
	conn := &staticConnector{err: eris.New("mailbox unavailable")}
	svc := NewFetchService(nil, t.TempDir(), conn)
	_, err := svc.FetchAndStore(context.Background(), "INBOX", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox unavailable")
}
