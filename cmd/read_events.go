package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/backstage/services/scoring/internal/eventstore"
)

var readEventsLimit int

var readEventsCmd = &cobra.Command{
	Use:   "read-events [aggregate-id]",
	Short: "Print recent events for an aggregate",
	Args:  cobra.ExactArgs(1),
	RunE:  runReadEvents,
}

func init() {
	readEventsCmd.Flags().IntVar(&readEventsLimit, "limit", 20, "maximum number of events to print")
	rootCmd.AddCommand(readEventsCmd)
}

func runReadEvents(cmd *cobra.Command, args []string) error {
	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}

	store := eventstore.NewGormEventStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := store.Query(ctx, eventstore.EventFilter{
		AggregateID: args[0],
		Limit:       readEventsLimit,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events for aggregate %s\n", args[0])
		return nil
	}

	for _, e := range events {
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = " error=" + *e.ErrorMessage
		}
		fmt.Printf("v%-4d %-28s %-12s %s retries=%d%s\n",
			e.Version, e.EventType, e.Status, e.Timestamp.Format(time.RFC3339), e.RetryCount, errMsg)
	}

	return nil
}
