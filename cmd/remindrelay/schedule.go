package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/cobra"

	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/schedule"
	"github.com/shohag/remindrelay/internal/storage"
)

func scheduleCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled messages",
	}
	cmd.AddCommand(
		scheduleCreateCmd(configPath),
		scheduleListCmd(configPath),
		scheduleCancelCmd(configPath),
		scheduleSendNowCmd(configPath),
	)
	return cmd
}

func scheduleCreateCmd(configPath *string) *cobra.Command {
	var (
		req      schedule.CreateRequest
		platform string
		format   string
		at       string
		in       time.Duration
		repeat   string
		params   []string
		weekdays []int
		rule     models.Recurrence
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Platform = models.Platform(platform)
			req.Format = models.Format(format)

			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.ScheduledTime = t
			case in > 0:
				req.ScheduledTime = time.Now().Add(in)
			default:
				return fmt.Errorf("one of --at or --in is required")
			}

			if len(params) > 0 {
				req.Params = make(map[string]string, len(params))
				for _, p := range params {
					k, v, ok := strings.Cut(p, "=")
					if !ok {
						return fmt.Errorf("--param %q must be key=value", p)
					}
					req.Params[k] = v
				}
			}

			if repeat != "" {
				rule.Type = models.RecurrenceType(repeat)
				for _, d := range weekdays {
					rule.Weekdays = append(rule.Weekdays, time.Weekday(d))
				}
				req.Recurrence = &rule
			}

			e, err := newEngine(*configPath, false)
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.service.Create(context.Background(), req)
			if err != nil {
				var fields validation.Errors
				if errors.As(err, &fields) {
					return fmt.Errorf("invalid schedule: %w", fields)
				}
				return err
			}
			return printJSON(msg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&platform, "platform", "", "telegram or whatsapp")
	f.StringVar(&req.Recipient, "to", "", "chat id, @channel or phone number")
	f.StringVar(&req.Body, "body", "", "message text")
	f.StringVar(&format, "format", "plain", "plain, markdown or html")
	f.StringVar(&req.TemplateKey, "template", "", "configured template key")
	f.StringArrayVar(&params, "param", nil, "template parameter as key=value (repeatable)")
	f.StringVar(&at, "at", "", "send time (RFC3339)")
	f.DurationVar(&in, "in", 0, "send after this delay")
	f.StringVar(&repeat, "repeat", "", "once, daily, weekly or monthly")
	f.IntSliceVar(&weekdays, "weekday", nil, "weekly: weekdays 0-6, Sunday is 0")
	f.StringVar(&req.OwnerRef, "owner", "", "opaque owner reference")
	f.IntVar(&req.Priority, "priority", 0, "higher is delivered first")

	f.StringVar(&rule.TimeOfDay, "time-of-day", "", "recurring: HH:MM in the rule timezone")
	f.StringVar(&rule.Timezone, "timezone", "", "recurring: IANA timezone, UTC when empty")
	f.IntVar(&rule.DayOfMonth, "day-of-month", 0, "monthly: day of month")

	return cmd
}

func scheduleListCmd(configPath *string) *cobra.Command {
	var filter storage.ListFilter
	var status, platform string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = models.Status(status)
			filter.Platform = models.Platform(platform)

			e, err := newEngine(*configPath, false)
			if err != nil {
				return err
			}
			defer e.Close()

			msgs, err := e.service.List(context.Background(), filter)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("No schedules found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLATFORM\tRECIPIENT\tSTATUS\tDUE\tATTEMPTS\tREPEAT")
			for _, m := range msgs {
				repeat := "-"
				if m.Recurrence.Repeats() {
					repeat = string(m.Recurrence.Type)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					m.ID, m.Platform, m.Recipient, m.Status,
					humanize.Time(m.ScheduledTime), m.Attempts, repeat)
			}
			return w.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&platform, "platform", "", "filter by platform")
	f.StringVar(&filter.OwnerRef, "owner", "", "filter by owner reference")
	f.IntVar(&filter.Limit, "limit", 50, "maximum rows")
	f.IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

func scheduleCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <schedule_id>",
		Short: "Cancel a pending message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(*configPath, false)
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.service.Cancel(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("cancel %s: %w", args[0], err)
			}
			fmt.Printf("%s cancelled\n", msg.ID)
			return nil
		},
	}
}

func scheduleSendNowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "send-now <schedule_id>",
		Short: "Deliver a pending message immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(*configPath, true)
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.service.SendNow(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("send %s: %w", args[0], err)
			}
			return printJSON(msg)
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show schedule counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(*configPath, false)
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := e.service.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			for _, st := range models.Statuses {
				fmt.Fprintf(w, "%s\t%s\n", st, humanize.Comma(stats.Counts[st]))
			}
			return w.Flush()
		},
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
