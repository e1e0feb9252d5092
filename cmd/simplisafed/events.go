package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	eventsSystem int64
	eventsCount  int
	eventsSince  time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recent events of every system",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsSystem, "system", 0, "only this system id")
	eventsCmd.Flags().IntVarP(&eventsCount, "count", "n", 20, "number of events per system")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "only events newer than this age, e.g. 24h")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	sess, err := login(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	systems, err := sess.GetSystems(ctx)
	if err != nil {
		return err
	}
	if eventsSystem != 0 {
		if _, ok := systems[eventsSystem]; !ok {
			return fmt.Errorf("system %d not found", eventsSystem)
		}
	}

	var from time.Time
	if eventsSince > 0 {
		from = time.Now().Add(-eventsSince)
	}

	ids := make([]int64, 0, len(systems))
	for id := range systems {
		if eventsSystem == 0 || id == eventsSystem {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSTEM\tTIME\tCODE\tTYPE\tINFO")
	for _, id := range ids {
		events, err := systems[id].GetEvents(ctx, from, eventsCount)
		if err != nil {
			return err
		}
		for _, ev := range events {
			typ := string(ev.Type)
			if !ev.Known() {
				typ = "-"
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", id, ev.Timestamp.Local().Format(time.DateTime), ev.Code, typ, ev.Info)
		}
	}
	return tw.Flush()
}
