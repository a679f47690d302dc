// Package listener polls a mailbox for shopping lists, submits a plan for
// each one and exports finished plans to xlsx.
package listener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"savery/internal"
	"savery/internal/config"
	"savery/internal/connectors"
	gmailconnector "savery/internal/connectors/gmail"
	imapconnector "savery/internal/connectors/imap"
	"savery/internal/listsource"
	"savery/internal/pipeline"
	"savery/internal/util"
)

const exportBatch = 200

type Planner interface {
	Submit(ctx context.Context, req internal.PlanRequest) (internal.SubmitResult, error)
}

type StatusSource interface {
	Status(ctx context.Context, taskID string) (internal.TaskStatus, error)
}

type Store interface {
	connectors.InboxStore
	UpdateInboxMessage(ctx context.Context, id int64, status internal.InboxStatus, planID, reason *string) error
	ListInboxMessages(ctx context.Context, status internal.InboxStatus, limit int) ([]internal.InboxMessage, error)
}

type Service struct {
	cfg     config.Config
	db      Store
	fetch   *connectors.FetchService
	planner Planner
	status  StatusSource
}

type CycleResult struct {
	Fetched   int
	Submitted int
	Ignored   int
	Failed    int
	Exported  int
}

func NewService(cfg config.Config, db Store, connector connectors.MailConnector, planner Planner, status StatusSource) *Service {
	return &Service{
		cfg:     cfg,
		db:      db,
		fetch:   connectors.NewFetchService(db, cfg.RawMailDir, connector),
		planner: planner,
		status:  status,
	}
}

func NewConnector(ctx context.Context, cfg config.Config) (connectors.MailConnector, error) {
	switch cfg.InboxProvider {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, eris.Errorf("unsupported inbox provider: %q", cfg.InboxProvider)
	}
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.InboxIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			zap.L().Warn("inbox cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	fetched, err := s.fetch.FetchAndStore(ctx, s.cfg.InboxLabel, s.cfg.InboxFetchMax)
	if err != nil {
		return res, err
	}
	res.Fetched = fetched.Fetched

	pending, err := s.db.ListInboxMessages(ctx, internal.InboxReceived, s.cfg.InboxFetchMax)
	if err != nil {
		return res, err
	}
	for _, msg := range pending {
		status, err := s.handle(ctx, msg)
		if err != nil {
			return res, err
		}
		switch status {
		case internal.InboxSubmitted:
			res.Submitted++
		case internal.InboxIgnored:
			res.Ignored++
		case internal.InboxFailed:
			res.Failed++
		}
	}

	if s.cfg.InboxAutoExport {
		exported, failed, err := s.exportFinished(ctx)
		res.Exported, res.Failed = exported, res.Failed+failed
		if err != nil {
			return res, err
		}
	}

	zap.L().Info("inbox cycle done",
		zap.String("provider", s.cfg.InboxProvider),
		zap.Int("fetched", res.Fetched),
		zap.Int("submitted", res.Submitted),
		zap.Int("ignored", res.Ignored),
		zap.Int("failed", res.Failed),
		zap.Int("exported", res.Exported),
	)
	return res, nil
}

// handle moves one received message to its next status. Only storage errors
// and a closing pipeline are returned; the message then stays received.
func (s *Service) handle(ctx context.Context, msg internal.InboxMessage) (internal.InboxStatus, error) {
	log := zap.L().With(zap.Int64("inbox_id", msg.ID), zap.String("message_id", msg.MessageID))

	raw, err := os.ReadFile(msg.RawPath)
	if err != nil {
		return s.mark(ctx, msg, internal.InboxFailed, nil, "read raw mail: "+err.Error())
	}
	email, err := listsource.FromEmail(raw)
	if err != nil {
		return s.mark(ctx, msg, internal.InboxFailed, nil, err.Error())
	}
	if !email.Detection.IsList {
		log.Debug("mail is not a shopping list", zap.String("reason", email.Detection.Reason), zap.Float64("score", email.Detection.Score))
		return s.mark(ctx, msg, internal.InboxIgnored, nil, email.Detection.Reason)
	}
	if len(email.Entries) == 0 {
		return s.mark(ctx, msg, internal.InboxIgnored, nil, "no_items")
	}

	submitted, err := s.planner.Submit(ctx, internal.PlanRequest{
		Items:       listsource.Inputs(email.Entries),
		StoreIDs:    s.cfg.InboxStoreIDs,
		ClientToken: msg.Provider + ":" + msg.MessageID,
	})
	if eris.Is(err, pipeline.ErrPoolClosed) {
		return internal.InboxReceived, err
	}
	if err != nil {
		return s.mark(ctx, msg, internal.InboxFailed, nil, err.Error())
	}
	log.Info("plan submitted from mail", zap.String("plan_id", submitted.TaskID), zap.Int("items", len(email.Entries)))
	return s.mark(ctx, msg, internal.InboxSubmitted, &submitted.TaskID, "")
}

func (s *Service) mark(ctx context.Context, msg internal.InboxMessage, status internal.InboxStatus, planID *string, reason string) (internal.InboxStatus, error) {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = util.StringPtr(reason)
	}
	return status, s.db.UpdateInboxMessage(ctx, msg.ID, status, planID, reasonPtr)
}

func (s *Service) exportFinished(ctx context.Context) (exported, failed int, err error) {
	submitted, err := s.db.ListInboxMessages(ctx, internal.InboxSubmitted, exportBatch)
	if err != nil {
		return 0, 0, err
	}

	for _, msg := range submitted {
		planID := util.DerefString(msg.PlanID)
		st, err := s.status.Status(ctx, planID)
		if err != nil {
			return exported, failed, err
		}
		if !st.Ready {
			continue
		}
		if !st.Successful || st.Result == nil {
			if _, err := s.mark(ctx, msg, internal.InboxFailed, nil, "plan "+strings.ToLower(st.Status)); err != nil {
				return exported, failed, err
			}
			failed++
			continue
		}

		outputPath := ExportPath(s.cfg.OutputDir, msg)
		if err := pipeline.ExportPlanToXLSX(planID, *st.Result, outputPath); err != nil {
			return exported, failed, err
		}
		if _, err := s.mark(ctx, msg, internal.InboxExported, nil, ""); err != nil {
			return exported, failed, err
		}
		exported++
	}
	return exported, failed, nil
}

func ExportPath(outputDir string, msg internal.InboxMessage) string {
	filename := fmt.Sprintf("%d_%s.xlsx", msg.ID, sanitizeMessageID(msg.MessageID))
	return filepath.Join(outputDir, "inbox", filename)
}

func sanitizeMessageID(input string) string {
	repl := strings.NewReplacer("<", "", ">", "", ":", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_", " ", "_", "@", "_at_")
	out := repl.Replace(input)
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
