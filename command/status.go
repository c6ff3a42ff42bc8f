// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
	"github.com/posener/complete"
)

// queueLimit caps how many queued jobs status prints without -verbose.
const queueLimit = 20

type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: gavel status [options]

  Displays the grading progress of the deployment: contest wide submission
  counts, the job queue and the state of every worker, as reported by the
  evaluation service.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -shard=<n>
    The evaluation service shard to query. Defaults to 0.

  -verbose
    Show the whole job queue instead of the most urgent entries.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display grading progress, queue and workers"
}

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-shard":   complete.PredictAnything,
			"-verbose": complete.PredictNothing,
		})
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	var shard int
	var verbose bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.IntVar(&shard, "shard", 0, "")
	flags.BoolVar(&verbose, "verbose", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed loading configuration: %s", err))
		return 1
	}

	client, err := c.Dial(cfg, rpc.ServiceCoord{Name: structs.ServiceNameEvaluation, Shard: shard})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error connecting to the evaluation service: %s", err))
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var subs structs.SubmissionsStatusReply
	if err := client.Call(ctx, structs.ESMethodSubmissionsStatus, nil, &subs); err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying submissions status: %s", err))
		return 1
	}
	var queue structs.QueueStatusReply
	if err := client.Call(ctx, structs.ESMethodQueueStatus, nil, &queue); err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying queue status: %s", err))
		return 1
	}
	var workers structs.WorkersStatusReply
	if err := client.Call(ctx, structs.ESMethodWorkersStatus, nil, &workers); err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying workers status: %s", err))
		return 1
	}

	c.Ui.Output(c.Colorize().Color("[bold]Submissions[reset]"))
	c.Ui.Output(formatKV([]string{
		fmt.Sprintf("Total|%d", subs.Total),
		fmt.Sprintf("Compiling|%d", subs.Compiling),
		fmt.Sprintf("Compilation failed|%d", subs.CompilationFailed),
		fmt.Sprintf("Evaluating|%d", subs.Evaluating),
		fmt.Sprintf("Scoring|%d", subs.Scoring),
		fmt.Sprintf("Scored|%d", subs.Scored),
		fmt.Sprintf("Stalled|%d", subs.Stalled),
	}))

	c.Ui.Output(c.Colorize().Color(fmt.Sprintf("\n[bold]Queue[reset] (%d jobs)", len(queue))))
	c.Ui.Output(formatQueue(queue, verbose))

	c.Ui.Output(c.Colorize().Color("\n[bold]Workers[reset]"))
	c.Ui.Output(formatWorkers(cfg, workers))

	return 0
}

func formatQueue(queue structs.QueueStatusReply, verbose bool) string {
	if len(queue) == 0 {
		return "No jobs queued"
	}

	shown := queue
	if !verbose && len(shown) > queueLimit {
		shown = shown[:queueLimit]
	}

	rows := make([]string, 0, len(shown)+1)
	rows = append(rows, "Priority|Since|Job")
	for _, item := range shown {
		rows = append(rows, fmt.Sprintf("%s|%s|%s",
			structs.Priority(item.Priority),
			formatTime(item.Timestamp),
			item.Job))
	}
	out := formatList(rows)
	if len(shown) < len(queue) {
		out += fmt.Sprintf("\n... and %d more", len(queue)-len(shown))
	}
	return out
}

func formatWorkers(book rpc.AddressBook, workers structs.WorkersStatusReply) string {
	if len(workers) == 0 {
		return "No workers configured"
	}

	shards := make([]int, 0, len(workers))
	for shard := range workers {
		shards = append(shards, shard)
	}
	sort.Ints(shards)

	rows := make([]string, 0, len(shards)+1)
	rows = append(rows, "Shard|Address|Status|Job|Since")
	for _, shard := range shards {
		ws := workers[shard]
		addr, _ := book.Address(rpc.ServiceCoord{Name: structs.ServiceNameWorker, Shard: shard})

		job, since := "", ""
		if ws.Job != nil {
			job = ws.Job.String()
		}
		if ws.StartedAt != nil {
			since = formatTime(*ws.StartedAt)
		}
		rows = append(rows, fmt.Sprintf("%d|%s|%s|%s|%s",
			shard, addr, workerState(ws), job, since))
	}
	return formatList(rows)
}

// workerState reduces a worker status to one word for the table.
func workerState(ws structs.WorkerStatus) string {
	switch {
	case !ws.Connected:
		return "down"
	case ws.Disabled:
		return "disabled"
	case ws.Ignoring:
		return "discarding"
	case ws.Job != nil:
		return "busy"
	default:
		return "idle"
	}
}
