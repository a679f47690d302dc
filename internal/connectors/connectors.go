package connectors

import (
	"context"

	"savery/internal"
)

type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMail, error)
}
