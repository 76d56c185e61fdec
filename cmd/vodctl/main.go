package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"vod-transcoder/internal/database"
)

const (
	// Default timeout for database operations
	defaultTimeout = 30 * time.Second
	// Default database directory path
	defaultDatabaseDir = "/database"
	// Shortest upload token accepted by hash-token
	minTokenLength = 16
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	command := os.Args[1]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var ok bool
	switch command {
	case "hash-token":
		ok = hashToken(os.Stdout, os.Stderr, readSecret)
	case "status", "jobs":
		ok = withStore(ctx, func(store database.Store) bool {
			if command == "status" {
				return showStatus(ctx, os.Stdout, store)
			}
			filter := ""
			if len(os.Args) > 2 {
				filter = os.Args[2]
			}
			return listJobs(ctx, os.Stdout, store, filter)
		})
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		ok = true
	default:
		sanitized := sanitizeCommand(command)
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", sanitized) //nolint:gosec // G705 - input is sanitized via allowlist in sanitizeCommand
		printUsage(os.Stderr)
	}

	if !ok {
		cancel()
		os.Exit(1)
	}
}

// sanitizeCommand returns a safe representation of a command string for display.
// It uses an allowlist approach, replacing any character that is not alphanumeric,
// a hyphen, or an underscore with '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "VOD Transcoder Administration")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: vodctl <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  hash-token      - Read an upload token and print its bcrypt hash")
	fmt.Fprintln(w, "  status          - Show job counts by status")
	fmt.Fprintln(w, "  jobs [status]   - List jobs, optionally filtered by status")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  DATABASE_DIR - Path to database directory (default: %s)\n", defaultDatabaseDir)
	fmt.Fprintln(w, "  DATABASE_URL - Postgres connection string; overrides DATABASE_DIR")
}

// withStore opens the configured store, runs fn and closes the store.
func withStore(ctx context.Context, fn func(database.Store) bool) bool {
	databaseDir := os.Getenv("DATABASE_DIR")
	if databaseDir == "" {
		databaseDir = defaultDatabaseDir
	}

	store, err := database.Open(ctx, database.Options{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DatabaseDir: databaseDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to database: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure DATABASE_DIR or DATABASE_URL is set correctly (current dir: %s)\n", databaseDir)
		return false
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}()

	return fn(store)
}

// readSecret prompts on stderr and reads one line without echo. When stdin
// is not a terminal the line is read as is, so tokens can be piped in.
func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // G115 - file descriptors fit in int
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return secret, err
}

// hashToken reads the token (twice on a terminal) and prints the value to
// use for UPLOAD_TOKEN_HASH.
func hashToken(stdout, stderr io.Writer, read func(prompt string) ([]byte, error)) bool {
	token, err := read("Upload token: ")
	if err != nil {
		fmt.Fprintf(stderr, "Error reading token: %v\n", err)
		return false
	}
	token = bytes.TrimSpace(token)

	if len(token) < minTokenLength {
		fmt.Fprintf(stderr, "Error: Token must be at least %d characters\n", minTokenLength)
		return false
	}

	if term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // G115 - file descriptors fit in int
		confirm, err := read("Confirm token: ")
		if err != nil {
			fmt.Fprintf(stderr, "Error reading token: %v\n", err)
			return false
		}
		if !bytes.Equal(token, bytes.TrimSpace(confirm)) {
			fmt.Fprintln(stderr, "Error: Tokens do not match")
			return false
		}
	}

	hash, err := bcrypt.GenerateFromPassword(token, bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to hash token: %v\n", err)
		return false
	}

	fmt.Fprintln(stdout, string(hash))
	return true
}

func showStatus(ctx context.Context, w io.Writer, store database.Store) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to count jobs: %v\n", err)
		return false
	}

	statuses := []string{
		string(database.StatusProcessing),
		string(database.StatusReady),
		string(database.StatusError),
	}
	total := 0
	for _, s := range statuses {
		fmt.Fprintf(w, "%-11s %d\n", s+":", counts[s])
		total += counts[s]
	}
	fmt.Fprintf(w, "%-11s %d\n", "total:", total)
	return true
}

func listJobs(ctx context.Context, w io.Writer, store database.Store, filter string) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	status := database.JobStatus(filter)
	if filter != "" && !status.Valid() {
		fmt.Fprintf(os.Stderr, "Error: Unknown status %q (want processing, ready or error)\n", sanitizeCommand(filter))
		return false
	}

	jobs, err := store.ListJobs(ctx, status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list jobs: %v\n", err)
		return false
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tQUALITIES\tTITLE")
	for _, job := range jobs {
		labels := make([]string, 0, len(job.Renditions))
		for _, r := range job.Renditions {
			labels = append(labels, r.Quality)
		}
		sort.Strings(labels)
		qualities := strings.Join(labels, ",")
		if qualities == "" {
			qualities = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Status, job.CreatedAt.Local().Format(time.DateTime), qualities, job.Title)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}
	return true
}
