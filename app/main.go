package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/noteboard/app/seed"
	"github.com/umputun/noteboard/app/store"
)

var opts struct {
	DB   string `short:"f" long:"db" env:"NOTEBOARD_DB" default:"notes.db" description:"sqlite database file"`
	User string `short:"u" long:"user" env:"NOTEBOARD_USER" description:"editor identity, defaults to OS user"`
	Dbg  bool   `long:"dbg" env:"NOTEBOARD_DEBUG" description:"debug mode"`

	Retry struct {
		Attempts    int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"max attempts for connect and statements"`
		Base        time.Duration `long:"base" env:"BASE" default:"50ms" description:"initial backoff delay"`
		Cap         time.Duration `long:"cap" env:"CAP" default:"60s" description:"max single backoff delay"`
		BusyTimeout time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"20s" description:"sqlite busy timeout"`
	} `group:"retry" namespace:"retry" env-namespace:"NOTEBOARD_RETRY"`

	Maintenance struct {
		Schedule string `long:"schedule" env:"SCHEDULE" default:"@every 15m" description:"wal checkpoint schedule for run mode"`
	} `group:"maintenance" namespace:"maintenance" env-namespace:"NOTEBOARD_MAINTENANCE"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"NOTEBOARD_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("noteboard %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	p.Usage = "[OPTIONS] command [args...]"
	args, err := p.Parse()
	if err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	conn := store.NewConnector(opts.DB, store.Params{
		MaxRetries:  opts.Retry.Attempts,
		BusyTimeout: opts.Retry.BusyTimeout,
		BackoffBase: opts.Retry.Base,
		BackoffCap:  opts.Retry.Cap,
	})
	repo := store.NewRepository(conn)
	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("[ERROR] failed to prepare schema for %s: %v", opts.DB, err)
	}

	if err := run(ctx, conn, repo, args); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

// run dispatches a single command against the repository
func run(ctx context.Context, conn *store.Connector, repo *store.Repository, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given, see --help")
	}

	cmd, rest := args[0], args[1:]
	identity := makeIdentity()
	loader := &seed.Loader{Store: repo, DefaultAuthor: identity}

	switch cmd {
	case "list":
		companies, err := repo.ListCompanies(ctx)
		if err != nil {
			return err
		}
		for _, c := range companies {
			fmt.Printf("%d\t%s\n", c.ID, c.Name)
		}
	case "boards":
		companyID, err := parseID(rest, 0, "company id")
		if err != nil {
			return err
		}
		boards, err := repo.ListBoards(ctx, companyID)
		if err != nil {
			return err
		}
		for _, b := range boards {
			fmt.Printf("%d\t%s\n", b.ID, b.Identifier)
		}
	case "notes":
		boardID, err := parseID(rest, 0, "board id")
		if err != nil {
			return err
		}
		notes, err := repo.ListNotes(ctx, boardID)
		if err != nil {
			return err
		}
		for _, n := range notes {
			lock := ""
			if n.LockHolder != "" {
				lock = " [editing: " + n.LockHolder + "]"
			}
			fmt.Printf("%d\t%s\t%s\t%s%s\n", n.ID, n.UpdatedAt.Format("2006-01-02 15:04:05"),
				n.LastModifiedBy, n.Title, lock)
		}
	case "show":
		noteID, err := parseID(rest, 0, "note id")
		if err != nil {
			return err
		}
		note, err := repo.GetNote(ctx, noteID)
		if err != nil {
			return err
		}
		fmt.Printf("title: %s\nauthor: %s\ncreated: %s\nupdated: %s by %s\n",
			note.Title, note.Author, note.CreatedAt.Format("2006-01-02 15:04:05"),
			note.UpdatedAt.Format("2006-01-02 15:04:05"), note.LastModifiedBy)
		if note.LockHolder != "" {
			fmt.Printf("editing: %s\n", note.LockHolder)
		}
		if note.Content != "" {
			fmt.Printf("\n%s\n", note.Content)
		}
	case "add-company":
		if len(rest) < 1 || strings.TrimSpace(rest[0]) == "" {
			return fmt.Errorf("company name required")
		}
		id, err := repo.AddCompany(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("company %d\n", id)
	case "add-board":
		companyID, err := parseID(rest, 0, "company id")
		if err != nil {
			return err
		}
		if len(rest) < 2 || strings.TrimSpace(rest[1]) == "" {
			return fmt.Errorf("board identifier required")
		}
		id, err := repo.AddBoard(ctx, companyID, rest[1])
		if err != nil {
			return err
		}
		fmt.Printf("board %d\n", id)
	case "add-note":
		boardID, err := parseID(rest, 0, "board id")
		if err != nil {
			return err
		}
		title, content, err := titleContent(rest[1:])
		if err != nil {
			return err
		}
		id, err := repo.AddNote(ctx, boardID, identity, title, content)
		if err != nil {
			return err
		}
		fmt.Printf("note %d\n", id)
	case "update-note":
		noteID, err := parseID(rest, 0, "note id")
		if err != nil {
			return err
		}
		title, content, err := titleContent(rest[1:])
		if err != nil {
			return err
		}
		return repo.UpdateNote(ctx, noteID, title, content, identity)
	case "delete-note":
		id, err := parseID(rest, 0, "note id")
		if err != nil {
			return err
		}
		return repo.DeleteNote(ctx, id)
	case "delete-board":
		id, err := parseID(rest, 0, "board id")
		if err != nil {
			return err
		}
		return repo.DeleteBoard(ctx, id)
	case "delete-company":
		id, err := parseID(rest, 0, "company id")
		if err != nil {
			return err
		}
		return repo.DeleteCompany(ctx, id)
	case "lock":
		noteID, err := parseID(rest, 0, "note id")
		if err != nil {
			return err
		}
		state, err := repo.AcquireLock(ctx, noteID, identity)
		if err != nil {
			return err
		}
		if !state.Granted {
			fmt.Printf("denied, %s is editing\n", state.Holder)
			return nil
		}
		fmt.Println("locked")
	case "unlock":
		noteID, err := parseID(rest, 0, "note id")
		if err != nil {
			return err
		}
		return repo.ReleaseLock(ctx, noteID, identity)
	case "who":
		noteID, err := parseID(rest, 0, "note id")
		if err != nil {
			return err
		}
		holder, err := repo.PeekLock(ctx, noteID)
		if err != nil {
			return err
		}
		if holder == "" {
			fmt.Println("nobody")
			return nil
		}
		fmt.Println(holder)
	case "import":
		if len(rest) < 1 {
			return fmt.Errorf("seed file required")
		}
		stats, err := loader.Import(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported %d companies, %d boards, %d notes\n", stats.Companies, stats.Boards, stats.Notes)
	case "export":
		if len(rest) < 1 {
			return fmt.Errorf("output file required")
		}
		return loader.Export(ctx, rest[0])
	case "reset":
		return repo.ClearAll(ctx)
	case "run":
		maint := store.NewMaintenance(conn, opts.Maintenance.Schedule)
		if err := maint.Start(); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
		defer maint.Stop()
		log.Printf("[INFO] noteboard keeper started for %s", opts.DB)
		<-ctx.Done()
	default:
		return fmt.Errorf("unknown command %q, see --help", cmd)
	}
	return nil
}

// titleContent extracts a required non-empty title and optional content from args
func titleContent(args []string) (title, content string, err error) {
	if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
		return "", "", fmt.Errorf("title can't be empty")
	}
	title = args[0]
	if len(args) > 1 {
		content = strings.Join(args[1:], " ")
	}
	return title, content, nil
}

func parseID(args []string, pos int, name string) (int64, error) {
	if len(args) <= pos {
		return 0, fmt.Errorf("%s required", name)
	}
	id, err := strconv.ParseInt(args[pos], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, args[pos])
	}
	return id, nil
}

// makeIdentity returns the editor identity, --user flag or the OS account name
func makeIdentity() string {
	if opts.User != "" {
		return opts.User
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
			LocalTime:  true,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
