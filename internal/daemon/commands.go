package daemon

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/internal/telegram"
	"github.com/harun/threadkeeper/pkg/conversation"
)

func (d *Daemon) registerTelegramCommands(cmds *telegram.Commands) {
	cmds.Register("start", "Start a conversation", d.handleStartCommand)
	cmds.Register("status", "Show conversation statistics", d.handleStatusCommand)
	cmds.Register("end", "Close this conversation", d.handleEndCommand)
}

// handleStartCommand opens the thread and arms its inactivity timers so an
// unanswered greeting still gets warned and closed.
func (d *Daemon) handleStartCommand(ctx context.Context, cc telegram.CommandContext) (string, error) {
	d.manager.GetOrCreate(ctx, cc.ThreadID, strconv.FormatInt(cc.ChatID, 10), strconv.FormatInt(cc.UserID, 10))
	d.scheduler.Touch(cc.ThreadID)
	return d.persona.Greeting(), nil
}

func (d *Daemon) handleStatusCommand(_ context.Context, _ telegram.CommandContext) (string, error) {
	return formatStats(d.manager.Stats()), nil
}

func (d *Daemon) handleEndCommand(ctx context.Context, cc telegram.CommandContext) (string, error) {
	if !d.scheduler.End(ctx, cc.ThreadID) {
		return "There is no open conversation in this chat.", nil
	}
	observability.RecordSessionAudit(ctx, "session_closed", cc.ThreadID, "success", map[string]interface{}{
		"reason":  "manual",
		"user_id": cc.UserID,
	})
	return d.persona.EndedText(), nil
}

func formatStats(st conversation.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Active conversations: %d\n", st.Active)
	fmt.Fprintf(&b, "Total conversations: %d", st.Total)
	if st.StorageTarget != "" {
		fmt.Fprintf(&b, "\nStorage: %s", st.StorageTarget)
	}
	return b.String()
}
