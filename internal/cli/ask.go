package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var askOutputFile string

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Ask the backend assistant a question",
	Long: `Ask the backend's assistant a question and print its answer.

Examples:
  parley ask "How do I create a group?"
  parley ask "Summarize this week's release notes" -o answer.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <message>",
	Short: "Suggest a reply to a message",
	Long: `Ask the backend assistant for a reply to the given message.

Examples:
  parley suggest "Are we still on for lunch tomorrow?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSuggest,
}

func init() {
	askCmd.Flags().StringVarP(&askOutputFile, "output", "o", "", "write output to file")
}

func runAsk(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
	defer cancel()

	answer, err := svc.api.Ask(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return writeOutput(answer, askOutputFile)
}

func runSuggest(cmd *cobra.Command, args []string) error {
	svc, err := signIn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
	defer cancel()

	reply, err := svc.api.Suggest(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return writeOutput(reply, "")
}

func writeOutput(text, path string) error {
	text = strings.TrimSpace(text)
	if path == "" {
		fmt.Println(text)
		return nil
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
