package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
)

// archiveTimeout bounds each write issued from the registry's terminal path.
const archiveTimeout = 5 * time.Second

// Store persists terminal commands. It implements command.Archiver for the
// registry and the archive lookup the API falls back to.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Archive writes one terminal command. Failures are logged, not returned:
// archiving is best-effort and must never stall the dispatch path.
func (s *Store) Archive(cmd *command.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	row := toRow(cmd)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		s.logger.Error("failed to archive command",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("command archived", zap.String("command_id", cmd.CommandID))
}

// Lookup fetches one archived command by id. Implements the API's archive
// fallback for records evicted from the in-memory registry.
func (s *Store) Lookup(ctx context.Context, commandID string) (*command.Command, bool) {
	var row ArchivedCommand
	err := s.db.WithContext(ctx).First(&row, "command_id = ?", commandID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error("archive lookup failed",
				zap.String("command_id", commandID),
				zap.Error(err),
			)
		}
		return nil, false
	}
	return fromRow(&row), true
}

// ListByAgent returns archived commands for one agent, newest first.
func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int) ([]*command.Command, error) {
	var rows []ArchivedCommand
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("terminal_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*command.Command, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// Prune deletes archived commands whose terminal time is older than cutoff.
// Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("terminal_at < ?", cutoff).
		Delete(&ArchivedCommand{})
	return res.RowsAffected, res.Error
}

func toRow(cmd *command.Command) ArchivedCommand {
	row := ArchivedCommand{
		CommandID:       cmd.CommandID,
		AgentID:         cmd.AgentID,
		RequesterID:     cmd.RequesterID,
		RawCommand:      EncryptedString(cmd.RawCommand),
		Command:         EncryptedString(cmd.Command),
		ExecutionTarget: string(cmd.ExecutionTarget),
		Status:          string(cmd.Status),
		FailureReason:   cmd.FailureReason,
		CreatedAt:       cmd.CreatedAt,
		ArchivedAt:      time.Now().UTC(),
	}
	if !cmd.DispatchedAt.IsZero() {
		t := cmd.DispatchedAt
		row.DispatchedAt = &t
	}
	if !cmd.TerminalAt.IsZero() {
		t := cmd.TerminalAt
		row.TerminalAt = &t
	}
	if cmd.Result != nil {
		row.ExitCode = cmd.Result.ExitCode
		row.Stdout = EncryptedString(cmd.Result.Stdout)
		row.Stderr = EncryptedString(cmd.Result.Stderr)
		row.ExecutionType = cmd.Result.ExecutionType
		row.TargetHost = cmd.Result.Target
		row.Cancelled = cmd.Result.Cancelled
	}
	if cmd.AIReport != nil {
		if data, err := json.Marshal(cmd.AIReport); err == nil {
			row.AIReport = string(data)
		}
	}
	return row
}

func fromRow(row *ArchivedCommand) *command.Command {
	cmd := &command.Command{
		CommandID:       row.CommandID,
		AgentID:         row.AgentID,
		RequesterID:     row.RequesterID,
		RawCommand:      string(row.RawCommand),
		Command:         string(row.Command),
		ExecutionTarget: protocol.ExecutionTarget(row.ExecutionTarget),
		Status:          command.Status(row.Status),
		FailureReason:   row.FailureReason,
		CreatedAt:       row.CreatedAt,
	}
	if row.DispatchedAt != nil {
		cmd.DispatchedAt = *row.DispatchedAt
	}
	if row.TerminalAt != nil {
		cmd.TerminalAt = *row.TerminalAt
	}
	cmd.Result = &command.Result{
		ExitCode:      row.ExitCode,
		Stdout:        string(row.Stdout),
		Stderr:        string(row.Stderr),
		ExecutionType: row.ExecutionType,
		Target:        row.TargetHost,
		Cancelled:     row.Cancelled,
	}
	if row.AIReport != "" {
		var report any
		if err := json.Unmarshal([]byte(row.AIReport), &report); err == nil {
			cmd.AIReport = report
		}
	}
	return cmd
}
