package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/parley/internal/engine"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/spf13/cobra"
)

var (
	groupName    string
	groupMembers []string
	groupWait    time.Duration
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you can chat with",
	Args:  cobra.NoArgs,
	RunE:  runUsers,
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List, create, or delete groups",
	Long: `List the groups you belong to.

Subcommands:
  create  Create a group with the given members
  delete  Delete a group or chat by id

Examples:
  parley groups
  parley groups create --name "weekend" --members 2,3
  parley groups delete 7`,
	Args: cobra.NoArgs,
	RunE: runGroups,
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a group",
	Args:  cobra.NoArgs,
	RunE:  runGroupsCreate,
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a group or chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupsDelete,
}

func init() {
	groupsCreateCmd.Flags().StringVarP(&groupName, "name", "n", "", "group name (required)")
	groupsCreateCmd.Flags().StringSliceVarP(&groupMembers, "members", "m", nil, "member user ids")
	_ = groupsCreateCmd.MarkFlagRequired("name")

	for _, c := range []*cobra.Command{groupsCreateCmd, groupsDeleteCmd} {
		c.Flags().DurationVar(&groupWait, "wait", 10*time.Second, "how long to wait for the backend's answer")
	}

	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
}

func runUsers(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}
	defer svc.printMetrics()

	ctx := context.Background()
	if err := svc.directory.Refresh(ctx); err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	users := otherUsers(svc.directory.Users(), svc.session.Identity.UserID)
	if len(users) == 0 {
		fmt.Println("No users found.")
		return nil
	}

	fmt.Printf("Users (%d):\n\n", len(users))
	for _, u := range users {
		fmt.Printf("- %s [%d]\n", u.Name, u.ID)
		if verbose && u.Email != "" {
			fmt.Printf("  %s\n", u.Email)
		}
	}
	return nil
}

func runGroups(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}
	defer svc.printMetrics()

	ctx := context.Background()
	if err := svc.directory.Refresh(ctx); err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	groups := svc.directory.Groups()
	if len(groups) == 0 {
		fmt.Println("No groups found.")
		return nil
	}

	fmt.Printf("Groups (%d):\n\n", len(groups))
	for _, g := range groups {
		fmt.Printf("- %s [%d] %d members\n", g.Name, g.ID, len(g.Participants))
		if verbose {
			names := make([]string, 0, len(g.Participants))
			for _, p := range g.Participants {
				names = append(names, p.Name)
			}
			fmt.Printf("  %s\n", strings.Join(names, ", "))
		}
	}
	return nil
}

func runGroupsCreate(cmd *cobra.Command, args []string) error {
	members, err := parseIDs(groupMembers)
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.CreateGroup(groupName, members); err != nil {
			return err
		}
		return awaitNotice(ctx, eng)
	})
}

func runGroupsDelete(cmd *cobra.Command, args []string) error {
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.DeleteChat(chatID); err != nil {
			return err
		}
		return awaitNotice(ctx, eng)
	})
}

// withEngine signs in, connects, runs fn and signs out again.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	svc, err := signIn()
	if err != nil {
		return err
	}
	defer svc.printMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), groupWait)
	defer cancel()

	eng, err := svc.connect(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	return fn(ctx, eng)
}

// awaitNotice waits for the first new notice and reports it.
func awaitNotice(ctx context.Context, eng *engine.Engine) error {
	seen := len(eng.View().Notices)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no answer from backend: %w", ctx.Err())
		case <-eng.Updates():
			notices := eng.View().Notices
			if len(notices) <= seen {
				continue
			}
			n := notices[len(notices)-1]
			if n.Err != nil {
				return fmt.Errorf("%s: %w", n.Text, n.Err)
			}
			fmt.Println(n.Text)
			return nil
		}
	}
}

// parseIDs accepts "2,3" style values as produced by StringSlice flags.
func parseIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func otherUsers(users []models.User, self int64) []models.User {
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID != self {
			out = append(out, u)
		}
	}
	return out
}
