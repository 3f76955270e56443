package cmd

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
	"jobmatch/src/log"
)

var (
	enqueueTaskType string
	enqueueAllKinds []string
	purgeDays       int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job|candidate> <id>",
	Short: "Schedule one entity at elevated priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := entity.ParseKind(args[0])
		if err != nil {
			return err
		}
		taskType, err := queue.ParseTaskType(enqueueTaskType)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "cli-"+workerID())
		if err != nil {
			return err
		}
		defer a.Close()

		task, created, err := a.queue.EnqueueEntity(cmd.Context(), entity.Ref{Kind: kind, ID: args[1]}, taskType)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s already has an active %s task\n", kind, args[1], taskType)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d (%s, priority %d)\n", task.ID, task.TaskType, task.Priority)
		return nil
	},
}

var enqueueAllCmd = &cobra.Command{
	Use:   "enqueue-all",
	Short: "Schedule embeddings for every job and candidate",
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := make([]entity.Kind, 0, len(enqueueAllKinds))
		for _, s := range enqueueAllKinds {
			k, err := entity.ParseKind(s)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}

		a, err := newApp(cmd.Context(), "cli-"+workerID())
		if err != nil {
			return err
		}
		defer a.Close()

		bar := progressbar.Default(-1, "re-enqueueing")
		res, err := a.queue.ReenqueueAll(cmd.Context(), a.entities, kinds, 500, func(n int) {
			_ = bar.Add(n)
		})
		_ = bar.Finish()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nscheduled %d, already active %d\n", res.Scheduled, res.Skipped)
		return nil
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Give every terminally failed task a fresh set of attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "cli-"+workerID())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d failed tasks\n", n)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed and terminally failed tasks older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeDays < 1 || purgeDays > queue.MaxRetentionDays {
			return fmt.Errorf("--days must be between 1 and %d, got %d", queue.MaxRetentionDays, purgeDays)
		}
		a, err := newApp(cmd.Context(), "cli-"+workerID())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.Purge(cmd.Context(), time.Duration(purgeDays)*24*time.Hour)
		if err != nil {
			return err
		}
		log.Info("Purge finished", "purged", n, "days", purgeDays)
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d tasks\n", n)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueTaskType, "task-type", string(queue.TaskTypeGenerateEmbedding), "generate_embedding or compute_similarity")
	enqueueAllCmd.Flags().StringSliceVar(&enqueueAllKinds, "kinds", nil, "entity kinds to re-enqueue (default all)")
	purgeCmd.Flags().IntVar(&purgeDays, "days", 7, "retention window in days")

	rootCmd.AddCommand(enqueueCmd, enqueueAllCmd, retryFailedCmd, purgeCmd)
}
