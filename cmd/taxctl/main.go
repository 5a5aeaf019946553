// Command taxctl talks to the tax backend from a terminal, through the same
// session store and page controllers as the web client.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"taxweb/internal/api"
	"taxweb/internal/forms"
	"taxweb/internal/session"
	"taxweb/internal/storage"
	"taxweb/internal/views"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

// jarSession is the cookie owner name used in the -db file.
const jarSession = "taxctl"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

const usage = `Usage: taxctl [-api URL] [-email E] [-password P] [-db FILE] <command> [args]

Commands:
  whoami
  declarations
  declare -year Y -income I [-deductions D] [-civil S] [-dependents N] [-notes T]
  users [-page N] [-q TEXT]
  toggle ID
  logout`

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("taxctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fs.PrintDefaults()
	}

	apiURL := fs.String("api", os.Getenv("API_BASE_URL"), "Backend base URL")
	email := fs.String("email", "", "Email to log in with when there is no session")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	dbPath := fs.String("db", "", "Keep the backend session in this file between runs")
	timeout := fs.Duration("timeout", api.DefaultTimeout, "Per-request timeout")
	verbose := fs.Bool("v", false, "Log every backend call")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stdout, usage)
		return fmt.Errorf("missing command")
	}
	if *apiURL == "" {
		return fmt.Errorf("missing backend address: pass -api or set API_BASE_URL")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	jar, closeJar, err := openJar(*dbPath, logger)
	if err != nil {
		return err
	}
	defer closeJar()

	ctx := context.Background()
	client := api.New(*apiURL, jar, api.WithTimeout(*timeout), api.WithLogger(logger))
	store := session.NewStore(client, logger)
	store.Initialize(ctx)

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "logout" {
		if !store.Snapshot().Authenticated() {
			fmt.Fprintln(stdout, "Not logged in.")
			return nil
		}
		store.Logout(ctx)
		fmt.Fprintln(stdout, "Logged out.")
		return nil
	}

	if !store.Snapshot().Authenticated() {
		if err := login(ctx, store, client, *email, *passwordFlag, stdin, stdout); err != nil {
			return err
		}
	}

	switch cmd {
	case "whoami":
		return whoami(store, stdout)
	case "declarations":
		return listDeclarations(ctx, store, client, stdout)
	case "declare":
		return declare(ctx, store, client, cmdArgs, stdout, stderr)
	case "users":
		return listUsers(ctx, store, client, cmdArgs, stdout, stderr)
	case "toggle":
		return toggle(ctx, store, client, cmdArgs, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openJar(path string, logger *slog.Logger) (http.CookieJar, func(), error) {
	if path == "" {
		jar, err := cookiejar.New(nil)
		return jar, func() {}, err
	}
	db, err := storage.NewDB(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	jar, err := storage.NewJar(db, jarSession, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load cookies: %w", err)
	}
	return jar, func() { db.Close() }, nil
}

func login(ctx context.Context, store *session.Store, client *api.Client, email, password string, stdin io.Reader, stdout io.Writer) error {
	if email == "" {
		return fmt.Errorf("not logged in: pass -email")
	}
	if password == "" {
		fmt.Fprint(stdout, "Password: ")
		var err error
		password, err = readPassword(stdin)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(stdout)
	}

	page := views.NewLogin(store, client)
	if _, err := page.Submit(ctx, forms.LoginDraft{Email: email, Password: password}); err != nil {
		printStatus(stdout, page.View().Status)
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

func whoami(store *session.Store, stdout io.Writer) error {
	user := store.Snapshot().User
	role := "user"
	if user.IsAdmin {
		role = "admin"
	}
	fmt.Fprintf(stdout, "%s <%s> id=%d role=%s\n", user.FullName, user.Email, user.ID, role)
	return nil
}

func listDeclarations(ctx context.Context, store *session.Store, client *api.Client, stdout io.Writer) error {
	page := views.NewDeclarationList(store, client)
	view, err := page.Refresh(ctx)
	if err != nil {
		if view.Error != "" {
			return errors.New(view.Error)
		}
		return err
	}
	if len(view.Items) == 0 {
		fmt.Fprintln(stdout, "You have no declarations yet.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tYEAR\tINCOME\tDEDUCTIONS\tSTATUS\tCREATED")
	for _, d := range view.Items {
		fmt.Fprintf(tw, "%d\t%d\t%.2f\t%.2f\t%s\t%s\n",
			d.ID, d.FiscalYear, d.TotalIncome, d.Deductions, d.Status, d.CreatedAt.Format(time.DateOnly))
	}
	return tw.Flush()
}

func declare(ctx context.Context, store *session.Store, client *api.Client, args []string, stdout, stderr io.Writer) error {
	defaults := forms.NewDeclarationDraft(time.Now())

	fs := flag.NewFlagSet("declare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	year := fs.String("year", defaults.FiscalYear, "Fiscal year")
	income := fs.String("income", "", "Total income")
	deductions := fs.String("deductions", "", "Applied deductions")
	civil := fs.String("civil", defaults.CivilStatus, "Civil status: "+strings.Join(forms.CivilStatuses, ", "))
	dependents := fs.String("dependents", "", "Number of dependents")
	notes := fs.String("notes", "", "Other income or deductions (markdown)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	page := views.NewNewDeclaration(store, client, nil)
	created, err := page.Submit(ctx, forms.DeclarationDraft{
		FiscalYear:  *year,
		TotalIncome: *income,
		Deductions:  *deductions,
		CivilStatus: *civil,
		Dependents:  *dependents,
		Notes:       *notes,
	})
	status := page.View().Status
	if err != nil {
		printStatus(stdout, status)
		return fmt.Errorf("declaration not created")
	}
	fmt.Fprintf(stdout, "%s ID %d, status %s\n", status.Success, created.ID, created.Status)
	return nil
}

func listUsers(ctx context.Context, store *session.Store, client *api.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("users", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pageNum := fs.Int("page", 1, "Page number")
	query := fs.String("q", "", "Search by name or email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	page := views.NewAdminUserList(store, client)
	page.SetCursor(*pageNum, *query)
	view, err := page.Refresh(ctx)
	switch {
	case errors.Is(err, views.ErrAccessDenied):
		return errors.New(views.AccessDeniedMessage)
	case err != nil && view.Error != "":
		return errors.New(view.Error)
	case err != nil:
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tSTATUS\tROLE")
	for _, u := range view.Rows {
		role := "user"
		if u.IsAdmin {
			role = "admin"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.FullName, u.Email, u.Status, role)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Page %d", view.Cursor.Page)
	if view.HasNext {
		fmt.Fprintf(stdout, " (more: -page %d)", view.Cursor.Page+1)
	}
	fmt.Fprintln(stdout)
	return nil
}

func toggle(ctx context.Context, store *session.Store, client *api.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taxctl toggle ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	page := views.NewAdminUserList(store, client)
	switch err := page.Toggle(ctx, id); {
	case errors.Is(err, views.ErrAccessDenied):
		return errors.New(views.AccessDeniedMessage)
	case err != nil:
		if notice := page.View().Notice; notice != "" {
			return errors.New(notice)
		}
		return err
	}
	for _, row := range page.View().Rows {
		if row.ID == id {
			fmt.Fprintf(stdout, "User %d is now %s.\n", id, row.Status)
			return nil
		}
	}
	fmt.Fprintf(stdout, "User %d toggled.\n", id)
	return nil
}

// printStatus writes a form's banner and its field errors, one per line.
func printStatus(w io.Writer, status forms.Status) {
	if status.Message != "" {
		fmt.Fprintln(w, status.Message)
	}
	fields := make([]string, 0, len(status.Errors))
	for field := range status.Errors {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	for _, field := range fields {
		fmt.Fprintf(w, "  %s: %s\n", field, status.Errors[field])
	}
}

func readPassword(stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytePassword, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(bytePassword), nil
	}

	// Fallback for non-terminal (e.g. tests, pipes)
	scanner := bufio.NewScanner(stdin)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
