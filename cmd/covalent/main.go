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
	"time"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/version"
)

func main() {
	client := &http.Client{Timeout: 30 * time.Second}
	baseURL := fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
	if v := os.Getenv("COVALENT_ADDR"); v != "" {
		baseURL = v
	}
	os.Exit(run(os.Args[1:], client, baseURL, os.Stdout, os.Stderr))
}

func run(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 2
	}

	switch args[0] {
	case "submit":
		return submit(args[1:], client, baseURL, out, errOut)
	case "status":
		return status(args[1:], client, baseURL, out, errOut)
	case "list":
		return list(args[1:], client, baseURL, out, errOut)
	case "cancel":
		return cancel(args[1:], client, baseURL, out, errOut)
	case "respond":
		return respond(args[1:], client, baseURL, out, errOut)
	case "logs":
		return logs(args[1:], client, baseURL, out, errOut)
	case "version":
		fmt.Fprintf(out, "covalent %s (%s)\n", version.Version, version.Commit)
		return 0
	default:
		usage(errOut)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  covalent submit --task-id <id> --description <text> [--max-retries <n>] [--max-turns <n>]")
	_, _ = fmt.Fprintln(w, "  covalent status <task-id>")
	_, _ = fmt.Fprintln(w, "  covalent list [--limit <n>]")
	_, _ = fmt.Fprintln(w, "  covalent cancel <task-id>")
	_, _ = fmt.Fprintln(w, "  covalent respond --task-id <id> --directive <approve|abort|modify> [--note <text>]")
	_, _ = fmt.Fprintln(w, "  covalent logs <task-id> [--tail <n>] [--session <id>]")
	_, _ = fmt.Fprintln(w, "  covalent version")
}

func submit(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var taskID string
	var description string
	var maxRetries int
	var maxTurns int
	fs.StringVar(&taskID, "task-id", "", "task id")
	fs.StringVar(&description, "description", "", "task description")
	fs.IntVar(&maxRetries, "max-retries", 0, "retry ceiling for this task")
	fs.IntVar(&maxTurns, "max-turns", 0, "per-exchange turn budget")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if taskID == "" || description == "" {
		fs.Usage()
		return 2
	}

	req := api.CreateTaskRequest{
		TaskID:      taskID,
		Description: description,
		MaxRetries:  maxRetries,
		MaxTurns:    maxTurns,
	}
	return postJSON(client, baseURL+"/v1/tasks", &req, out, errOut)
}

func status(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) != 1 {
		usage(errOut)
		return 2
	}
	return get(client, fmt.Sprintf("%s/v1/tasks/%s", baseURL, args[0]), out, errOut)
}

func list(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var limit int
	fs.IntVar(&limit, "limit", 0, "most recent n tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	u := baseURL + "/v1/tasks"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	return get(client, u, out, errOut)
}

func cancel(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) != 1 {
		usage(errOut)
		return 2
	}
	return postJSON(client, fmt.Sprintf("%s/v1/tasks/%s/cancel", baseURL, args[0]), nil, out, errOut)
}

func respond(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("respond", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var taskID string
	var directive string
	var note string
	fs.StringVar(&taskID, "task-id", "", "task id")
	fs.StringVar(&directive, "directive", "", "approve, abort or modify")
	fs.StringVar(&note, "note", "", "guidance for the agent (modify)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if taskID == "" || directive == "" {
		fs.Usage()
		return 2
	}

	req := api.RespondRequest{Directive: api.Directive(directive), Note: note}
	return postJSON(client, fmt.Sprintf("%s/v1/tasks/%s/respond", baseURL, taskID), &req, out, errOut)
}

func logs(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var tail int
	var sessionID string
	fs.IntVar(&tail, "tail", 0, "only the last n lines")
	fs.StringVar(&sessionID, "session", "", "session id (default: latest)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if fs.NArg() != 1 {
		usage(errOut)
		return 2
	}
	taskID := fs.Arg(0)

	q := url.Values{}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	u := fmt.Sprintf("%s/v1/tasks/%s/logs", baseURL, taskID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return get(client, u, out, errOut)
}

func postJSON(client *http.Client, u string, req any, out, errOut io.Writer) int {
	var buf bytes.Buffer
	if req != nil {
		if err := json.NewEncoder(&buf).Encode(req); err != nil {
			fmt.Fprintln(errOut, err.Error())
			return 1
		}
	}

	resp, err := client.Post(u, "application/json", &buf)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	defer resp.Body.Close()
	return readBody(resp, out, errOut)
}

func get(client *http.Client, u string, out, errOut io.Writer) int {
	resp, err := client.Get(u)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	defer resp.Body.Close()
	return readBody(resp, out, errOut)
}

func readBody(resp *http.Response, out, errOut io.Writer) int {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(errOut, "request failed: %s: %s\n", resp.Status, string(body))
		return 1
	}
	_, _ = out.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, _ = io.WriteString(out, "\n")
	}
	return 0
}
