package snaprun

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/function61/ebsfreeze/pkg/ebssnapshot"
	"github.com/function61/ebsfreeze/pkg/ec2context"
	"github.com/function61/ebsfreeze/pkg/fsfreeze"
	"github.com/function61/ebsfreeze/pkg/mountscan"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		runEntrypoint(),
		historyEntrypoint(),
		schedulerEntrypoint(),
	}
}

func runEntrypoint() *cobra.Command {
	description := ""
	tagsSerialized := ""
	runLogPath := DefaultRunLogPath
	noRunLog := false

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Takes crash-consistent snapshots of all attached EBS volumes",
		Long: `Takes crash-consistent snapshots of all attached EBS volumes:
sync, freeze writable filesystems, CreateSnapshot per volume, unfreeze.

Exit code is 0 when freeze and unfreeze both succeeded - also when some
snapshot creations failed (those are visible in the report). Non-zero exit
means freeze/unfreeze/context failure.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			osutil.ExitIfError(runOnce(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				description,
				tagsSerialized,
				runLogPath,
				noRunLog,
				rootLogger))
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", description, "Description to attach to each snapshot")
	cmd.Flags().StringVarP(&tagsSerialized, "tags", "t", tagsSerialized, "Tags to attach to each snapshot (name=value;name2=value2)")
	cmd.Flags().StringVarP(&runLogPath, "runlog", "", runLogPath, "Where to record run history (the file also acts as the concurrent-run lock)")
	cmd.Flags().BoolVarP(&noRunLog, "no-runlog", "", noRunLog, "Skip run history recording (also disables the concurrent-run lock)")

	return cmd
}

func runOnce(
	ctx context.Context,
	description string,
	tagsSerialized string,
	runLogPath string,
	noRunLog bool,
	rootLogger *log.Logger,
) error {
	tags, err := ebssnapshot.ParseTags(tagsSerialized)
	if err != nil {
		return err
	}

	var runLog *RunLog
	if !noRunLog {
		// also takes the concurrent-run lock, before anything gets frozen
		runLog, err = OpenRunLog(runLogPath)
		if err != nil {
			return err
		}
		defer runLog.Close()
	}

	orchestrator := New(Options{Description: description, Tags: tags}, Deps{
		ScanMounts: mountscan.Scan,
		Freezer:    fsfreeze.New(logex.Prefix("fsfreeze", rootLogger)),
		Discover: func(ctx context.Context) (Instance, VolumeSource, error) {
			instanceContext, err := ec2context.Discover(ctx, logex.Prefix("ec2context", rootLogger))
			if err != nil {
				return Instance{}, nil, err
			}

			return Instance{
				InstanceID: instanceContext.InstanceID,
				Region:     instanceContext.Region,
			}, instanceContext, nil
		},
		NewRequester: func(region string) (SnapshotRequester, error) {
			return ebssnapshot.NewInRegion(region, logex.Prefix("ebssnapshot", rootLogger))
		},
		Logger: logex.Prefix("snaprun", rootLogger),
	})

	report, runErr := orchestrator.Run(ctx)

	if runLog != nil {
		if err := runLog.Record(report, runErr); err != nil {
			logex.Levels(rootLogger).Error.Printf("runlog record: %v", err)
		}
	}

	if runErr != nil {
		// accumulated snapshot results accompany the error diagnostics
		report.Render(os.Stderr)
		return runErr
	}

	report.Render(os.Stdout)
	return nil
}

func historyEntrypoint() *cobra.Command {
	limit := 20
	runLogPath := DefaultRunLogPath

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Shows outcomes of previous runs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(func() error {
				runLog, err := OpenRunLog(runLogPath)
				if err != nil {
					return err
				}
				defer runLog.Close()

				records, err := runLog.List(limit)
				if err != nil {
					return err
				}

				tblBuilder := tablewriter.NewWriter(os.Stdout)
				tblBuilder.SetAutoFormatHeaders(false)
				tblBuilder.SetBorder(false)
				tblBuilder.SetHeader([]string{"Started", "Volumes", "Failed", "Fatal error"})

				for _, record := range records {
					failed := 0
					for _, volume := range record.Volumes {
						if volume.Error != "" {
							failed++
						}
					}

					tblBuilder.Append([]string{
						record.Started.Local().Format(time.RFC822Z),
						strconv.Itoa(len(record.Volumes)),
						strconv.Itoa(failed),
						record.FatalError,
					})
				}

				tblBuilder.Render()

				return nil
			}())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", limit, "Max runs to show")
	cmd.Flags().StringVarP(&runLogPath, "runlog", "", runLogPath, "Run history location")

	return cmd
}

// same parser config the cron library's docs call "standard" plus optional
// seconds field and descriptors like "@daily"
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func schedulerEntrypoint() *cobra.Command {
	schedule := "@daily"
	description := ""
	tagsSerialized := ""
	runLogPath := DefaultRunLogPath

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Keeps running, snapshotting on a cron schedule",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()
			logl := logex.Levels(rootLogger)

			osutil.ExitIfError(func() error {
				cronSchedule, err := cronParser.Parse(schedule)
				if err != nil {
					return fmt.Errorf("schedule: %v", err)
				}

				ctx := osutil.CancelOnInterruptOrTerminate(rootLogger)

				for {
					next := cronSchedule.Next(time.Now())
					logl.Info.Printf("next run at %s", next.Format(time.RFC822Z))

					select {
					case <-time.After(time.Until(next)):
						// a failed run must not kill the scheduler; the error
						// is logged (and recorded in the runlog) and we wait
						// for the next tick
						if err := runOnce(ctx, description, tagsSerialized, runLogPath, false, rootLogger); err != nil {
							logl.Error.Printf("run: %v", err)
						}
					case <-ctx.Done():
						return nil
					}
				}
			}())
		},
	}

	cmd.Flags().StringVarP(&schedule, "schedule", "s", schedule, "Cron schedule (e.g. \"@daily\" or \"0 3 * * *\")")
	cmd.Flags().StringVarP(&description, "description", "d", description, "Description to attach to each snapshot")
	cmd.Flags().StringVarP(&tagsSerialized, "tags", "t", tagsSerialized, "Tags to attach to each snapshot (name=value;name2=value2)")
	cmd.Flags().StringVarP(&runLogPath, "runlog", "", runLogPath, "Where to record run history")

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs systemd unit file to run the scheduler on system boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"ebsfreeze",
				"Crash-consistent EBS snapshots",
				systemdinstaller.Args("scheduler", "--schedule", schedule),
				systemdinstaller.Docs("https://github.com/function61/ebsfreeze"),
				systemdinstaller.RequireNetworkOnline)

			if err := systemdinstaller.Install(serviceFile); err != nil {
				panic(err)
			} else {
				fmt.Println(systemdinstaller.GetHints(serviceFile))
			}
		},
	})

	return cmd
}
