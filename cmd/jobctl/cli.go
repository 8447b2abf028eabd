package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

type config struct {
	serverURL string
}

type cli struct {
	cfg    *config
	client *http.Client
}

func newCLI() *cli {
	return &cli{cfg: &config{}, client: &http.Client{}}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "jobctl",
		Short:        "CLI for submitting and tracking remote jobs",
		Version:      version,
		SilenceUsage: true,
	}

	command.AddCommand(
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.cancelCmd(),
		c.deleteCmd(),
		c.logsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.cfg.serverURL,
		"server-url",
		"http://localhost:8080",
		"Base URL of the job executor API",
	)

	return command
}

type jobView struct {
	ID                     string  `json:"id"`
	Command                string  `json:"command"`
	Priority               string  `json:"priority"`
	TimeoutSeconds         int     `json:"timeout_seconds"`
	Status                 string  `json:"status"`
	Stdout                 *string `json:"stdout,omitempty"`
	Stderr                 *string `json:"stderr,omitempty"`
	ExitCode               *int    `json:"exit_code,omitempty"`
	Reason                 string  `json:"reason,omitempty"`
	TerminationUnconfirmed bool    `json:"termination_unconfirmed,omitempty"`
	CreatedAt              string  `json:"created_at"`
	StartedAt              *string `json:"started_at,omitempty"`
	CompletedAt            *string `json:"completed_at,omitempty"`
}

func (c *cli) createCmd() *cobra.Command {
	var priority string
	var timeout int

	command := &cobra.Command{
		Use:     "create [flags] COMMAND",
		Short:   "Submit a command for remote execution",
		Example: "  jobctl create --priority High 'tail -n 100 /var/log/syslog'",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]any{
				"command":         args[0],
				"priority":        priority,
				"timeout_seconds": timeout,
			})

			var j jobView
			if err := c.doJSON(cmd, http.MethodPost, "/jobs", bytes.NewReader(body), &j); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}

	command.Flags().StringVar(&priority, "priority", "", "Priority: Low, Medium or High (default Medium)")
	command.Flags().IntVar(&timeout, "timeout", 0, "Timeout in seconds (default 60)")

	return command
}

func (c *cli) getCmd() *cobra.Command {
	var output bool

	command := &cobra.Command{
		Use:     "get [flags] JOB_ID",
		Short:   "Show a job's status and result",
		Example: "  jobctl get 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var j jobView
			if err := c.doJSON(cmd, http.MethodGet, "/jobs/"+args[0], nil, &j); err != nil {
				return err
			}

			if output {
				if j.Stdout != nil {
					fmt.Fprint(cmd.OutOrStdout(), *j.Stdout)
				}
				if j.Stderr != nil {
					fmt.Fprint(cmd.ErrOrStderr(), *j.Stderr)
				}
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "STATUS\tPRIORITY\tEXIT CODE\tREASON\tCOMMAND\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%s\t%s\t%s\t\n",
				j.Status,
				j.Priority,
				fmtExitCode(j.ExitCode),
				j.Reason,
				j.Command,
			)
			w.Flush()

			if j.TerminationUnconfirmed {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: remote process termination unconfirmed")
			}
			return nil
		},
	}

	command.Flags().BoolVar(&output, "output", false, "Print captured stdout/stderr instead of status")

	return command
}

func (c *cli) listCmd() *cobra.Command {
	var status, priority, sortBy, order string
	var limit, offset int

	command := &cobra.Command{
		Use:   "list [flags]",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := []string{}
			if status != "" {
				params = append(params, "status="+status)
			}
			if priority != "" {
				params = append(params, "priority="+priority)
			}
			if sortBy != "" {
				params = append(params, "sort_by="+sortBy)
			}
			if order != "" {
				params = append(params, "order="+order)
			}
			if limit > 0 {
				params = append(params, fmt.Sprintf("limit=%d", limit))
			}
			if offset > 0 {
				params = append(params, fmt.Sprintf("offset=%d", offset))
			}

			path := "/jobs"
			if len(params) > 0 {
				path += "?" + strings.Join(params, "&")
			}

			var resp struct {
				Jobs  []jobView `json:"jobs"`
				Total int       `json:"total"`
			}
			if err := c.doJSON(cmd, http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID\tSTATUS\tPRIORITY\tCREATED\tCOMMAND\t\n")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", j.ID, j.Status, j.Priority, j.CreatedAt, j.Command)
			}
			w.Flush()

			fmt.Fprintf(cmd.OutOrStdout(), "total: %d\n", resp.Total)
			return nil
		},
	}

	command.Flags().StringVar(&status, "status", "", "Filter by status")
	command.Flags().StringVar(&priority, "priority", "", "Filter by priority")
	command.Flags().StringVar(&sortBy, "sort-by", "", "Sort by created_at or priority")
	command.Flags().StringVar(&order, "order", "", "Sort order: asc or desc")
	command.Flags().IntVar(&limit, "limit", 0, "Page size")
	command.Flags().IntVar(&offset, "offset", 0, "Page offset")

	return command
}

func (c *cli) cancelCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "cancel [flags] JOB_ID",
		Short:   "Cancel a queued or running job",
		Example: "  jobctl cancel 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var j jobView
			if err := c.doJSON(cmd, http.MethodPost, "/jobs/"+args[0]+"/cancel", nil, &j); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), j.Status)
			if j.TerminationUnconfirmed {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: remote process termination unconfirmed")
			}
			return nil
		},
	}

	return command
}

func (c *cli) deleteCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "delete [flags] JOB_ID",
		Short: "Delete a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doJSON(cmd, http.MethodDelete, "/jobs/"+args[0], nil, nil)
		},
	}

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "logs [flags] JOB_ID",
		Short:   "Stream a job's live output until it finishes",
		Example: "  jobctl logs 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(
				cmd.Context(),
				http.MethodGet,
				c.cfg.serverURL+"/jobs/"+args[0]+"/logs",
				nil,
			)
			if err != nil {
				return err
			}

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return apiErrorFrom(resp)
			}

			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}

				var ev struct {
					Type   string `json:"type"`
					Stream string `json:"stream"`
					Line   string `json:"line"`
					Status string `json:"status"`
				}
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					continue
				}

				switch ev.Type {
				case "completed":
					fmt.Fprintf(cmd.ErrOrStderr(), "job finished: %s\n", ev.Status)
					return nil
				default:
					out := cmd.OutOrStdout()
					if ev.Stream == "stderr" {
						out = cmd.ErrOrStderr()
					}
					fmt.Fprintln(out, ev.Line)
				}
			}
			return sc.Err()
		},
	}

	return command
}

func (c *cli) doJSON(cmd *cobra.Command, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), method, c.cfg.serverURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFrom(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiErrorFrom turns an API error response into a human-readable error.
func apiErrorFrom(resp *http.Response) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
		return errors.New(apiErr.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func fmtExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}
