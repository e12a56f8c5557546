// Package admin holds debug utilities for inspecting and driving queues.
package admin

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.od2.network/orgqueue/cmd/providers"
	"go.od2.network/orgqueue/pkg/appctx"
	"go.od2.network/orgqueue/pkg/queues"
	"go.od2.network/orgqueue/pkg/redisqueue"
)

// Cmd is the admin sub-command.
var Cmd = cobra.Command{
	Use:   "admin",
	Short: "Debug utility for administering queues",
}

var enqueueCmd = cobra.Command{
	Use:   "enqueue <org> <prediction|upsert> <json>",
	Short: "Enqueue a job",
	Args:  cobra.ExactArgs(3),
	Run:   providers.NewCmd(runEnqueue),
}

var countsCmd = cobra.Command{
	Use:   "counts",
	Short: "Show job counts of all queues",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runCounts),
}

var jobCmd = cobra.Command{
	Use:   "job <org> <prediction|upsert> <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(3),
	Run:   providers.NewCmd(runJob),
}

var abortCmd = cobra.Command{
	Use:   "abort <org> <id>",
	Short: "Abort a running prediction",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runAbort),
}

func init() {
	Cmd.AddCommand(&enqueueCmd, &countsCmd, &jobCmd, &abortCmd)
	enqueueCmd.Flags().String("job-id", "", "Job ID (random if empty)")
}

func runEnqueue(cmd *cobra.Command, args []string, m *providers.ClientQueues) {
	q := mustQueue(m, args[0], args[1])
	if !json.Valid([]byte(args[2])) {
		fail("Payload is not valid JSON")
	}
	jobID, err := cmd.Flags().GetString("job-id")
	if err != nil {
		panic(err)
	}
	job, err := q.Enqueue(appctx.Context(), json.RawMessage(args[2]), &redisqueue.AddOptions{JobID: jobID})
	if err != nil {
		fail("Failed to enqueue:", err)
	}
	fmt.Println(job.ID)
}

func runCounts(m *providers.ClientQueues) {
	counts, err := m.GetAllJobCounts(appctx.Context())
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
	for _, qc := range counts {
		c := qc.Counts
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			qc.QueueName, c.Waiting, c.Active, c.Delayed, c.Completed, c.Failed)
	}
	_ = w.Flush()
	if err != nil {
		fail("Some queues failed:", err)
	}
}

func runJob(args []string, m *providers.ClientQueues) {
	q := mustQueue(m, args[0], args[1])
	job, err := q.GetJob(appctx.Context(), args[2])
	if err != nil {
		fail("Failed to get job:", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(job)
}

func runAbort(args []string, m *providers.ClientQueues) {
	pq, err := m.PredictionQueue(mustOrg(args[0]))
	if err != nil {
		fail(err)
	}
	if err := pq.PublishAbort(appctx.Context(), args[1]); err != nil {
		fail("Failed to publish abort:", err)
	}
	fmt.Println("Abort requested")
}

func mustOrg(s string) int64 {
	orgID, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fail("Invalid org ID:", s)
	}
	return orgID
}

func mustQueue(m *providers.ClientQueues, org, jobType string) queues.Queue {
	q, err := m.GetQueue(mustOrg(org), queues.JobType(jobType))
	if err != nil {
		fail(err)
	}
	return q
}

func fail(a ...interface{}) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(1)
}
