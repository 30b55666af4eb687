// Command covalent is the CLI client for a running covalentd.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/version"
)

func main() {
	client := &http.Client{Timeout: 30 * time.Second}
	os.Exit(run(os.Args[1:], client, baseURL(), os.Stdout, os.Stderr))
}

func run(args []string, client *http.Client, base string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}

	switch args[0] {
	case "submit":
		return submit(args[1:], client, base, stdout, stderr)
	case "status":
		return getPath(args[1:], client, base, "", stdout, stderr)
	case "history":
		return getPath(args[1:], client, base, "/history", stdout, stderr)
	case "list":
		return list(args[1:], client, base, stdout, stderr)
	case "cancel":
		return cancel(args[1:], client, base, stdout, stderr)
	case "logs":
		return logs(args[1:], client, base, stdout, stderr)
	case "events":
		return eventsCmd(args[1:], client, base, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "covalent %s (%s)\n", version.Version, version.Commit)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  covalent submit --prompt <text> [--task-id <id>] [--depends-on a,b] [--max-iterations n]")
	_, _ = fmt.Fprintln(w, "  covalent status <task-id>")
	_, _ = fmt.Fprintln(w, "  covalent list [--phase <phase>] [--limit n]")
	_, _ = fmt.Fprintln(w, "  covalent history <task-id>")
	_, _ = fmt.Fprintln(w, "  covalent cancel <task-id>")
	_, _ = fmt.Fprintln(w, "  covalent logs <task-id> --phase <phase> [--attempt n] [--tail n]")
	_, _ = fmt.Fprintln(w, "  covalent events [--task <id>] [--limit n]")
	_, _ = fmt.Fprintln(w, "  covalent version")
}

// baseURL resolves the daemon address; COVALENT_HOST and COVALENT_PORT
// override the defaults.
func baseURL() string {
	host := os.Getenv("COVALENT_HOST")
	if host == "" {
		host = api.DefaultHost
	}
	port := api.DefaultPort
	if v := os.Getenv("COVALENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func submit(args []string, client *http.Client, base string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var taskID, prompt, dependsOn string
	var maxIterations int
	fs.StringVar(&taskID, "task-id", "", "task id (generated when omitted)")
	fs.StringVar(&prompt, "prompt", "", "task prompt")
	fs.StringVar(&dependsOn, "depends-on", "", "comma separated task ids this task waits for")
	fs.IntVar(&maxIterations, "max-iterations", 0, "pushback budget before escalation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if prompt == "" {
		fs.Usage()
		return 2
	}

	req := api.CreateTaskRequest{TaskID: taskID, Prompt: prompt, MaxIterations: maxIterations}
	if dependsOn != "" {
		for _, dep := range strings.Split(dependsOn, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				req.DependsOn = append(req.DependsOn, dep)
			}
		}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(&req); err != nil {
		return fail(stderr, err)
	}

	resp, err := client.Post(base+"/v1/tasks", "application/json", &buf)
	if err != nil {
		return fail(stderr, err)
	}
	return printBody(resp, stdout, stderr)
}

// getPath serves the single-argument GET subcommands (status, history).
func getPath(args []string, client *http.Client, base, suffix string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		usage(stderr)
		return 2
	}
	resp, err := client.Get(base + "/v1/tasks/" + url.PathEscape(args[0]) + suffix)
	if err != nil {
		return fail(stderr, err)
	}
	return printBody(resp, stdout, stderr)
}

func list(args []string, client *http.Client, base string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ph string
	var limit int
	fs.StringVar(&ph, "phase", "", "only tasks currently in this phase")
	fs.IntVar(&limit, "limit", 0, "maximum number of tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	q := url.Values{}
	if ph != "" {
		q.Set("phase", ph)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := base + "/v1/tasks"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := client.Get(u)
	if err != nil {
		return fail(stderr, err)
	}
	return printBody(resp, stdout, stderr)
}

func cancel(args []string, client *http.Client, base string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		usage(stderr)
		return 2
	}
	resp, err := client.Post(base+"/v1/tasks/"+url.PathEscape(args[0])+"/cancel", "", nil)
	if err != nil {
		return fail(stderr, err)
	}
	return printBody(resp, stdout, stderr)
}

func logs(args []string, client *http.Client, base string, stdout, stderr io.Writer) int {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		usage(stderr)
		return 2
	}
	taskID := args[0]

	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ph string
	var attempt, tail int
	fs.StringVar(&ph, "phase", "", "phase whose log to read")
	fs.IntVar(&attempt, "attempt", 0, "attempt number (latest when omitted)")
	fs.IntVar(&tail, "tail", 0, "only the last n lines")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if ph == "" {
		fs.Usage()
		return 2
	}

	q := url.Values{}
	q.Set("phase", ph)
	if attempt > 0 {
		q.Set("attempt", strconv.Itoa(attempt))
	}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	resp, err := client.Get(base + "/v1/tasks/" + url.PathEscape(taskID) + "/logs?" + q.Encode())
	if err != nil {
		return fail(stderr, err)
	}
	return printBody(resp, stdout, stderr)
}

func eventsCmd(args []string, client *http.Client, base string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var task string
	var limit int
	fs.StringVar(&task, "task", "", "only events for this task")
	fs.IntVar(&limit, "limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	q := url.Values{}
	if task != "" {
		q.Set("task", task)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := base + "/v1/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := client.Get(u)
	if err != nil {
		return fail(stderr, err)
	}
	return printBody(resp, stdout, stderr)
}

func printBody(resp *http.Response, stdout, stderr io.Writer) int {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(stderr, err)
	}
	if resp.StatusCode >= 400 {
		return fail(stderr, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	_, _ = fmt.Fprintln(stdout, strings.TrimRight(string(body), "\n"))
	return 0
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, err.Error())
	return 1
}
