package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobmatch/src/storage/minioctrl"
)

var archiveShowCmd = &cobra.Command{
	Use:   "archive-show <object>",
	Short: "Print the tasks stored in one archive object",
	Long:  `archive-show reads an object written by purge (for example tasks/2024-03-01/<uuid>.jsonl) from the configured archive backend and prints its tasks as JSON lines.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := newTaskArchive(cmd.Context())
		if err != nil {
			return err
		}
		tasks, err := archive.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := minioctrl.EncodeTasks(tasks)
		if err != nil {
			return err
		}
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d tasks\n", len(tasks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveShowCmd)
}
