package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/coderelay/host/internal/storage"
)

func runSessionList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("session list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	storeFlag := fs.String("store", "", "Path to SQLite store (default: ~/.coderelay/coderelay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: coderelay session list [options]\n\nList known sessions, newest first.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	storePath, err := resolveStorePath(*storeFlag)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No sessions found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	sessions, err := store.ListSessions()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list sessions: %v\n", err)
		return 1
	}

	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tPROJECT\tSTATE\tSTARTED\tLAST ACTIVITY")
	fmt.Fprintln(w, "----------\t-------\t-----\t-------\t-------------")

	now := time.Now()
	for _, session := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			session.ID,
			session.Project,
			session.State,
			formatDuration(now.Sub(session.StartedAt)),
			formatDuration(now.Sub(session.LastActivity)),
		)
	}
	w.Flush()

	return 0
}

func runSessionKill(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("session kill", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "127.0.0.1:7171", "Running host address")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: coderelay session kill [options] <session-id>\n\nKill a running session's assistant process.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: session-id is required")
		fs.Usage()
		return 1
	}
	sessionID := fs.Arg(0)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/sessions/%s/kill", *addr, sessionID), "", nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: could not reach host at %s: %v\n", *addr, err)
		return 1
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Fprintf(stdout, "Killed session %s\n", sessionID)
		return 0
	case http.StatusNotFound:
		fmt.Fprintf(stderr, "Error: session %s not found\n", sessionID)
		return 1
	default:
		fmt.Fprintf(stderr, "Error: host returned status %d\n", resp.StatusCode)
		return 1
	}
}
