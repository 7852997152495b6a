// Command enginectl drives a running engine through its control API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"checkout_engine/internal/model"
)

var (
	serverURL string
	timeout   time.Duration
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:          "enginectl",
		Short:        "Control a running checkout engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8090", "engine base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		buildTasksCommand(),
		buildStartCommand(),
		buildStopCommand(),
		buildStateCommand(),
		buildChallengesCommand(),
		buildProxiesCommand(),
	)
	return root
}

func client() *apiClient { return newAPIClient(serverURL, timeout) }

func buildTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List, add and delete tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tasks []model.Task
			if err := client().call(cmd.Context(), http.MethodGet, "/api/v1/tasks", nil, &tasks); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTORE\tRUNNING\tSTATUS")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", t.ID, t.Name, t.Store.URL, t.Running, t.Status.Message)
			}
			return tw.Flush()
		},
	}

	var file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a task from a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			var saved model.Task
			if err := client().call(cmd.Context(), http.MethodPost, "/api/v1/tasks", body, &saved); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
			return nil
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "", "task JSON file")
	_ = add.MarkFlagRequired("file")

	del := &cobra.Command{
		Use:   "delete [id]",
		Short: "Stop and delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().call(cmd.Context(), http.MethodDelete, "/api/v1/tasks?id="+args[0], nil, nil)
		},
	}

	cmd.AddCommand(add, del)
	return cmd
}

func buildStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start [id...]",
		Short: "Start tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return each(cmd.Context(), args, "start")
		},
	}
}

func buildStopCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop [id...]",
		Short: "Stop tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return client().call(cmd.Context(), http.MethodPost, "/api/v1/engine/stop", nil, nil)
			}
			if len(args) == 0 {
				return fmt.Errorf("give task ids or --all")
			}
			return each(cmd.Context(), args, "stop")
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every running task")
	return cmd
}

func each(ctx context.Context, ids []string, action string) error {
	c := client()
	var failed []string
	for _, id := range ids {
		if err := c.call(ctx, http.MethodPost, "/api/v1/tasks/"+id+"/"+action, nil, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed for %s", action, strings.Join(failed, ", "))
	}
	return nil
}

func buildStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show engine state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var state struct {
				Tasks      []model.TaskState `json:"tasks"`
				Challenges int               `json:"challenges"`
				Tokens     int               `json:"tokens"`
			}
			if err := client().call(cmd.Context(), http.MethodGet, "/api/v1/state", nil, &state); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending challenges: %d, banked tokens: %d\n", state.Challenges, state.Tokens)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tRUNNING\tRESTARTS\tOUTCOME\tSTATUS")
			for _, t := range state.Tasks {
				fmt.Fprintf(tw, "%s\t%v\t%d\t%s\t%s\n", t.TaskID, t.Running, t.Restarts, t.Outcome, t.Status.Message)
			}
			return tw.Flush()
		},
	}
}

func buildChallengesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challenges",
		Short: "List pending challenges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pending []struct {
				ID        string                 `json:"id"`
				TaskID    string                 `json:"taskId"`
				Challenge model.ChallengeRequest `json:"challenge"`
			}
			if err := client().call(cmd.Context(), http.MethodGet, "/api/v1/challenges", nil, &pending); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tFAMILY\tURL")
			for _, p := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.TaskID, p.Challenge.Family, p.Challenge.URL)
			}
			return tw.Flush()
		},
	}

	var token, text string
	answer := &cobra.Command{
		Use:   "answer [taskId]",
		Short: "Answer the pending challenge of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := model.ChallengeAnswer{Token: token, Text: text}
			return client().call(cmd.Context(), http.MethodPost, "/api/v1/challenges/"+args[0]+"/answer", body, nil)
		},
	}
	answer.Flags().StringVar(&token, "token", "", "solved token")
	answer.Flags().StringVar(&text, "text", "", "text answer")

	retry := &cobra.Command{
		Use:   "retry [taskId]",
		Short: "Ask the task for a fresh challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().call(cmd.Context(), http.MethodPost, "/api/v1/challenges/"+args[0]+"/retry", nil, nil)
		},
	}

	var family, host, bankToken string
	bank := &cobra.Command{
		Use:   "bank",
		Short: "Add a pre-harvested token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{"family": family, "host": host, "answer": model.ChallengeAnswer{Token: bankToken}}
			return client().call(cmd.Context(), http.MethodPost, "/api/v1/challenges/tokens", body, nil)
		},
	}
	bank.Flags().StringVar(&family, "family", string(model.PuzzleRecaptchaV2), "puzzle family")
	bank.Flags().StringVar(&host, "host", "", "site host the token was solved on")
	bank.Flags().StringVar(&bankToken, "token", "", "token")
	_ = bank.MarkFlagRequired("host")
	_ = bank.MarkFlagRequired("token")

	cmd.AddCommand(answer, retry, bank)
	return cmd
}

func buildProxiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Show proxy groups and usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var groups []struct {
				Name    string `json:"name"`
				Proxies []struct {
					Host string `json:"host"`
					Port string `json:"port"`
					Uses int64  `json:"uses"`
				} `json:"proxies"`
			}
			if err := client().call(cmd.Context(), http.MethodGet, "/api/v1/proxies", nil, &groups); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tPROXY\tUSES")
			for _, g := range groups {
				for _, p := range g.Proxies {
					fmt.Fprintf(tw, "%s\t%s:%s\t%d\n", g.Name, p.Host, p.Port, p.Uses)
				}
			}
			return tw.Flush()
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set [group]",
		Short: "Replace a proxy group from a file with one proxy per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var lines []string
			for _, l := range strings.Split(string(raw), "\n") {
				if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "#") {
					lines = append(lines, l)
				}
			}
			body := map[string]any{"name": args[0], "proxies": lines}
			return client().call(cmd.Context(), http.MethodPost, "/api/v1/proxies", body, nil)
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "proxy list file")
	_ = set.MarkFlagRequired("file")

	cmd.AddCommand(set)
	return cmd
}
