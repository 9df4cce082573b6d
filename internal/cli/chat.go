package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/spf13/cobra"
)

var (
	chatWith  int64
	chatGroup int64
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat screen",
	Long: `Open the interactive chat screen.

Pick a user or group with the arrow keys and Enter. In a conversation:
  Enter    send the message
  Ctrl+S   fill in a suggested reply to the last message
  Ctrl+D   delete the conversation
  Esc      back to the contact list
  Ctrl+C   quit

Examples:
  parley chat
  parley chat --with 42
  parley chat --group 7`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().Int64Var(&chatWith, "with", 0, "open a direct conversation with this user id")
	chatCmd.Flags().Int64Var(&chatGroup, "group", 0, "open the group with this id")
	chatCmd.MarkFlagsMutuallyExclusive("with", "group")
}

func runChat(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}
	defer svc.printMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := svc.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		// ctx may already be canceled by the interrupt.
		octx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
		defer cancel()
		if err := svc.signOut(octx, eng); err != nil {
			logger.Warn("sign out failed", "error", err)
		}
	}()

	model := newChatModel(ctx, svc, eng, initialCounterpart(svc))
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("chat interrupted")
	}
	return nil
}

// initialCounterpart maps --with/--group to a counterpart, if given.
func initialCounterpart(svc *services) models.Counterpart {
	switch {
	case chatWith != 0:
		if u, ok := svc.directory.User(chatWith); ok {
			return u
		}
		return models.User{ID: chatWith}
	case chatGroup != 0:
		if g, ok := svc.directory.Group(chatGroup); ok {
			return g
		}
		return models.Group{ID: chatGroup}
	}
	return nil
}
