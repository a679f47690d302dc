package connectors

import (
	"context"

	"go.uber.org/zap"

	"savery/internal"
)

type FetchService struct {
	connector MailConnector
	store     *MailStore
}

type FetchResult struct {
	Fetched int
	Stored  int
	New []internal.InboxMessage
}

func NewFetchService(db InboxStore, rawMailDir string, connector MailConnector) *FetchService {
	return &FetchService{
		connector: connector,
		store:     NewMailStore(db, rawMailDir),
	}
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	res := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		row, created, err := s.store.Store(ctx, msg)
		if err != nil {
			return res, err
		}
		res.Stored++
		if created {
			res.New = append(res.New, row)
		} else {
			zap.L().Debug("mail already recorded", zap.String("provider", msg.Provider), zap.String("message_id", msg.MessageID))
		}
	}
	return res, nil
}
