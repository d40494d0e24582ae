package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandclaw/sandclaw/internal/config"
	"github.com/sandclaw/sandclaw/internal/scheduler"
	"github.com/sandclaw/sandclaw/internal/store"
)

// The task commands operate on the store directly for local administration.
// They bypass conversation permissions; remote callers go through the
// gateway instead.
var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List a conversation's scheduled tasks",
		RunE:  runTaskList,
	}

	taskAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled task",
		RunE:  runTaskAdd,
	}

	taskPauseCmd = &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskSetActive(false),
	}

	taskResumeCmd = &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskSetActive(true),
	}

	taskDeleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskDelete,
	}
)

func init() {
	taskListCmd.Flags().String("conversation", "", "Conversation ID")
	taskAddCmd.Flags().String("conversation", "", "Conversation ID")
	taskAddCmd.Flags().String("cron", "", "Cron expression (5 fields)")
	taskAddCmd.Flags().String("prompt", "", "Prompt to run on schedule")
	taskAddCmd.Flags().Bool("silent", false, "Do not post replies to the conversation")
	taskCmd.AddCommand(taskListCmd, taskAddCmd, taskPauseCmd, taskResumeCmd, taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}

func openLocalStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Storage.DBPath)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	conv, _ := cmd.Flags().GetString("conversation")
	if strings.TrimSpace(conv) == "" {
		return fmt.Errorf("--conversation is required")
	}
	st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(conv)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled tasks.")
		return nil
	}
	for _, t := range tasks {
		state := "active"
		if !t.Active {
			state = "paused"
		}
		next := time.UnixMilli(t.NextRun).Format(time.RFC3339)
		fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-8s %-16s next=%s  %s\n", t.ID, state, t.CronExpr, next, t.Prompt)
	}
	return nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	conv, _ := cmd.Flags().GetString("conversation")
	cronExpr, _ := cmd.Flags().GetString("cron")
	prompt, _ := cmd.Flags().GetString("prompt")
	silent, _ := cmd.Flags().GetBool("silent")
	if strings.TrimSpace(conv) == "" || strings.TrimSpace(cronExpr) == "" || strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("--conversation, --cron and --prompt are required")
	}

	next, err := scheduler.NextRun(cronExpr, time.Now())
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnsureConversation(conv, ""); err != nil {
		return err
	}
	id, err := st.CreateTask(&store.ScheduledTask{
		ConversationID: conv,
		CronExpr:       cronExpr,
		Prompt:         prompt,
		Active:         true,
		Silent:         silent,
		NextRun:        next,
		CreatedBy:      "cli",
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %d created, first run %s\n", id, time.UnixMilli(next).Format(time.RFC3339))
	return nil
}

func runTaskSetActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		st, err := openLocalStore()
		if err != nil {
			return err
		}
		defer st.Close()

		task, err := st.GetTask(id)
		if err != nil {
			return fmt.Errorf("task %d not found", id)
		}
		if active {
			next, err := scheduler.NextRun(task.CronExpr, time.Now())
			if err != nil {
				return err
			}
			if err := st.SetTaskNextRun(id, next); err != nil {
				return err
			}
		}
		if err := st.SetTaskActive(id, active); err != nil {
			return err
		}
		state := "paused"
		if active {
			state = "resumed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %d %s\n", id, state)
		return nil
	}
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetTask(id); err != nil {
		return fmt.Errorf("task %d not found", id)
	}
	if err := st.DeleteTask(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %d deleted\n", id)
	return nil
}
