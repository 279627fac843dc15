package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/erennakbas/tasksync"
	"github.com/erennakbas/tasksync/types"
)

func listCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			refresh, _ := cmd.Flags().GetBool("refresh")
			if refresh {
				rt.refresh(cmd.Context())
			}
			if err := rt.flush(cmd.Context()); err != nil {
				return err
			}

			return printTasks(cmd, rt.client.ListTasks())
		},
	}

	cmd.Flags().BoolP("refresh", "r", false, "Merge the remote collection before listing")

	return cmd
}

func addCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add [title]",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")
			return runIntent(cmd, *configPath, func(c *tasksync.Client) (string, error) {
				task, err := c.CreateTask(title)
				return task.ID, err
			})
		},
	}
}

func doneCmd(configPath *string, done bool) *cobra.Command {
	use, short := "done [id]", "Mark a task as done"
	if !done {
		use, short = "undo [id]", "Mark a task as not done"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntent(cmd, *configPath, func(c *tasksync.Client) (string, error) {
				task, err := c.UpdateTask(args[0], types.SetDone(done))
				return task.ID, err
			})
		},
	}
}

func renameCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rename [id] [title]",
		Short: "Change the title of a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args[1:], " ")
			return runIntent(cmd, *configPath, func(c *tasksync.Client) (string, error) {
				task, err := c.UpdateTask(args[0], types.SetTitle(title))
				return task.ID, err
			})
		},
	}
}

func rmCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntent(cmd, *configPath, func(c *tasksync.Client) (string, error) {
				return args[0], c.DeleteTask(args[0])
			})
		},
	}
}

// runIntent restores and refreshes the collection, applies one intent, waits
// for it to settle and prints the resulting task.
func runIntent(cmd *cobra.Command, configPath string, intent func(*tasksync.Client) (string, error)) error {
	rt, err := newRuntime(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.refresh(cmd.Context())

	id, err := intent(rt.client)
	if err != nil {
		return err
	}

	if err := rt.flush(cmd.Context()); err != nil {
		return err
	}

	task, err := rt.client.Get(id)
	if errors.Is(err, tasksync.ErrNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", id)
		return nil
	}
	if err != nil {
		return err
	}

	if err := printTasks(cmd, []types.Task{task}); err != nil {
		return err
	}
	if task.SyncState == types.SyncStateFailed {
		return fmt.Errorf("task %s failed to sync: %s", task.ID, task.LastError)
	}
	return nil
}

func printTasks(cmd *cobra.Command, tasks []types.Task) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	return writeTable(cmd.OutOrStdout(), tasks)
}

func writeTable(out io.Writer, tasks []types.Task) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDONE\tTITLE\tREV\tSTATE")
	for _, t := range tasks {
		done := " "
		if t.Done {
			done = "x"
		}
		fmt.Fprintf(w, "%s\t[%s]\t%s\t%d\t%s\n", t.ID, done, t.Title, t.Revision, t.SyncState)
	}
	return w.Flush()
}
