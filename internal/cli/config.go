package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// The config commands edit per-conversation overrides directly in the store.
var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage per-conversation config overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	configGetCmd = &cobra.Command{
		Use:   "get",
		Short: "List a conversation's config overrides",
		RunE:  runConfigGet,
	}

	configSetCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one config override",
		Args:  cobra.ExactArgs(2),
		RunE:  runConfigSet,
	}
)

func init() {
	configGetCmd.Flags().String("conversation", "", "Conversation ID")
	configSetCmd.Flags().String("conversation", "", "Conversation ID")
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	conv, _ := cmd.Flags().GetString("conversation")
	if strings.TrimSpace(conv) == "" {
		return fmt.Errorf("--conversation is required")
	}
	st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListConfig(conv)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No overrides set.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s = %s\n", e.Key, e.Value)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	conv, _ := cmd.Flags().GetString("conversation")
	if strings.TrimSpace(conv) == "" {
		return fmt.Errorf("--conversation is required")
	}
	key := strings.TrimSpace(args[0])
	if key == "" {
		return fmt.Errorf("config key must not be empty")
	}
	st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnsureConversation(conv, ""); err != nil {
		return err
	}
	if err := st.SetConfig(conv, key, args[1], "cli"); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, args[1])
	return nil
}
