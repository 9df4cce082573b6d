package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the backend session for this token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func runWhoami(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}

	s := svc.session
	fmt.Printf("User id: %d\n", s.Identity.UserID)
	if s.Name != "" {
		fmt.Printf("Name:    %s\n", s.Name)
	}
	if s.Email != "" {
		fmt.Printf("Email:   %s\n", s.Email)
	}
	if !s.ExpiresAt.IsZero() {
		fmt.Printf("Expires: %s (%s)\n", humanize.Time(s.ExpiresAt), s.ExpiresAt.Format(time.RFC1123))
	}
	if verbose {
		fmt.Printf("Server:  %s\nSocket:  %s\n", cfg.ServerURL, cfg.SocketURL)
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
	defer cancel()

	if err := svc.signOut(ctx, nil); err != nil {
		return err
	}

	fmt.Println("Signed out. Remove PARLEY_TOKEN or the token from your config file.")
	return nil
}
