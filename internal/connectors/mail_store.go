package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"savery/internal"
)

type InboxStore interface {
	RecordInboxMessage(ctx context.Context, msg internal.InboxMessage) (internal.InboxMessage, bool, error)
}

type MailStore struct {
	db         InboxStore
	rawMailDir string
}

func NewMailStore(db InboxStore, rawMailDir string) *MailStore {
	return &MailStore{db: db, rawMailDir: rawMailDir}
}

func (s *MailStore) Store(ctx context.Context, msg internal.FetchedMail) (internal.InboxMessage, bool, error) {
	sum := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(s.rawMailDir, 0o755); err != nil {
		return internal.InboxMessage{}, false, eris.Wrap(err, "connectors: create raw mail dir")
	}
	rawPath := filepath.Join(s.rawMailDir, hash+".eml")
	if _, err := os.Stat(rawPath); os.IsNotExist(err) {
		if err := os.WriteFile(rawPath, msg.Raw, 0o644); err != nil {
			return internal.InboxMessage{}, false, eris.Wrapf(err, "connectors: write %s", rawPath)
		}
	}

	return s.db.RecordInboxMessage(ctx, internal.InboxMessage{
		Provider:   msg.Provider,
		MessageID:  msg.MessageID,
		Subject:    msg.Subject,
		Sender:     msg.From,
		ReceivedAt: msg.ReceivedAt,
		Hash:       hash,
		RawPath:    rawPath,
		Status:     internal.InboxReceived,
	})
}
