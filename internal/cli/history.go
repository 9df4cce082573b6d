package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/spf13/cobra"
)

var (
	historyGroup bool
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Print the messages of a conversation",
	Long: `Print the messages exchanged with a user, or in a group with --group.

Examples:
  parley history 42
  parley history 7 --group -n 20`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVarP(&historyGroup, "group", "g", false, "id is a group id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "show at most this many recent messages (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}

	svc, err := signIn()
	if err != nil {
		return err
	}
	defer svc.printMetrics()

	ctx := context.Background()
	if err := svc.directory.Refresh(ctx); err != nil {
		logger.Warn("directory unavailable, showing ids", "error", err)
	}

	var cp models.Counterpart = models.User{ID: id}
	if u, ok := svc.directory.User(id); ok && !historyGroup {
		cp = u
	}
	if historyGroup {
		cp = models.Group{ID: id}
		if g, ok := svc.directory.Group(id); ok {
			cp = g
		}
	}

	res, err := svc.directory.Resolve(ctx, svc.session.Identity, cp)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	msgs := res.Messages
	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return nil
	}
	if historyLimit > 0 && len(msgs) > historyLimit {
		fmt.Printf("... %d earlier messages\n", len(msgs)-historyLimit)
		msgs = msgs[len(msgs)-historyLimit:]
	}

	names := nameIndex(svc.directory.Users(), res.Conversation.Counterpart)
	self := svc.session.Identity.UserID
	now := time.Now()
	for _, m := range msgs {
		fmt.Println(formatLine(m, names, self, now))
	}
	return nil
}

// nameIndex maps user ids to display names from the directory and the
// counterpart itself.
func nameIndex(users []models.User, cp models.Counterpart) map[int64]string {
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	switch cp := cp.(type) {
	case models.User:
		if cp.Name != "" {
			names[cp.ID] = cp.Name
		}
	case models.Group:
		for _, p := range cp.Participants {
			if p.Name != "" {
				names[p.ID] = p.Name
			}
		}
	}
	return names
}

// formatLine renders one message as plain text.
func formatLine(m models.Message, names map[int64]string, self int64, now time.Time) string {
	who := senderName(m.SenderID, names, self)
	body := m.Content
	if len(m.Image) > 0 {
		img := fmt.Sprintf("[image %s]", humanize.Bytes(uint64(len(m.Image))))
		if body == "" {
			body = img
		} else {
			body += " " + img
		}
	}
	when := ""
	if !m.CreatedAt.IsZero() {
		when = humanize.RelTime(m.CreatedAt, now, "ago", "from now")
	}
	pending := ""
	if !m.Confirmed() {
		pending = " (sending)"
	}
	return fmt.Sprintf("%-12s %s: %s%s", when, who, body, pending)
}

func senderName(id int64, names map[int64]string, self int64) string {
	if id == self {
		return "you"
	}
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return "user " + strconv.FormatInt(id, 10)
}
