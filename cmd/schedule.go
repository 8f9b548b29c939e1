package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect scheduled reminders",
	}
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleDeleteCmd())
	return cmd
}

// loadScheduler builds a Scheduler against the on-disk schedules file
// without wiring Enqueue or ProjectionStoreFor — both are nil-safe for the
// read-only/delete operations this CLI exposes (fireFor is a no-op with a
// nil Enqueue, and neither command touches projections).
func loadScheduler() (*scheduler.Scheduler, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	dataDir := config.ExpandHome(cfg.DataDir)

	userID, channelID := primaryUser(cfg)
	sched, err := scheduler.New(scheduler.Config{
		PrimaryUserID:    userID,
		PrimaryChannelID: channelID,
		PrimaryPlatform:  "telegram",
		SchedulesPath:    dataDir + "/schedules.json",
	})
	if err != nil {
		return nil, "", fmt.Errorf("load schedules: %w", err)
	}
	return sched, userID, nil
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the primary user's scheduled reminders",
		Run: func(cmd *cobra.Command, args []string) {
			sched, userID, err := loadScheduler()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if userID == "" {
				fmt.Println("no primary user configured (telegram.allow_from is empty)")
				return
			}
			schedules := sched.ListSchedules(userID)
			if len(schedules) == 0 {
				fmt.Println("no schedules")
				return
			}
			for _, s := range schedules {
				fmt.Printf("%s  %-20s  %s\n", s.ID, s.CronExpr, s.Message)
			}
		},
	}
}

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheduled reminder by ID",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, userID, err := loadScheduler()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			ok, err := sched.DeleteSchedule(userID, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("no such schedule")
				return
			}
			fmt.Println("deleted")
		},
	}
}
