package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

const shellHelp = `Commands:
  get <key>                  Print the value of a key
  store <key> <value>        Store a value, replacing any existing one
  insert <key> <value>       Store a value, failing if the key exists
  modify <key> <value>       Store a value, failing if the key is absent
  append <key> <value>       Append to a value
  delete <key>               Delete a key
  list [limit]               List records (default 20)
  count                      Count records
  gen                        Show the generation counter
  begin / commit / cancel    Transaction control
  check                      Verify file structure
  info                       Show statistics
  bulk <count> [prefix]      Insert count records with random keys
  help                       Show this help
  exit / quit / q            Exit

Arguments are split like a POSIX shell: quote keys and values with spaces.`

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	c := &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell <file>",
		Short: "Interactive shell on a store",
		Long:  "Open a store and read commands interactively. Creates the file if it does not exist.\n\n" + shellHelp,
	}

	c.Exec = func(ctx context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 1, 1); err != nil {
			return err
		}

		db, err := tdb.Open(a.options(args[0]))
		if errors.Is(err, tdb.ErrHashMismatch) {
			db, _, err = a.openExisting(args[0], false)
		}

		if err != nil {
			return err
		}

		sh := &shell{app: a, db: db, io: o}

		runErr := sh.run(ctx)

		if db.InTransaction() {
			o.Warn("transaction still active at exit", "it was cancelled; run 'commit' before leaving the shell")
		}

		return errors.Join(runErr, db.Close())
	}

	return c
}

// lineReader is the subset of liner.State the shell uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanReader reads commands from a non-terminal input without prompting.
type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (r *scanReader) AppendHistory(string) {}

func (r *scanReader) Close() error { return nil }

type shell struct {
	app   *app
	db    *tdb.DB
	io    *IO
	liner *liner.State
}

// historyFile returns the path to the history file.
func (s *shell) historyFile() string {
	home := s.app.env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".tdbtool_history")
}

func (s *shell) reader() lineReader {
	f, ok := s.io.in.(*os.File)
	if !ok || f != os.Stdin || !liner.TerminalSupported() {
		return &scanReader{sc: bufio.NewScanner(s.io.in)}
	}

	s.liner = liner.NewLiner()
	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(completer)

	if path := s.historyFile(); path != "" {
		if hf, err := os.Open(path); err == nil {
			_, _ = s.liner.ReadHistory(hf)
			_ = hf.Close()
		}
	}

	return s.liner
}

func (s *shell) saveHistory() {
	path := s.historyFile()
	if s.liner == nil || path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = s.liner.WriteHistory(f)
		_ = f.Close()
	}
}

func (s *shell) run(ctx context.Context) error {
	r := s.reader()
	defer func() { _ = r.Close() }()
	defer s.saveHistory()

	if s.liner != nil {
		s.io.Printf("tdbtool shell on %s (%d hash chains). Type 'help' for commands.\n", s.db.Path(), s.db.HashSize())
	}

	for ctx.Err() == nil {
		line, err := r.Prompt("tdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r.AppendHistory(line)

		words, err := shellquote.Split(line)
		if err != nil {
			s.io.Printf("error: %v\n", err)

			continue
		}

		if len(words) == 0 {
			continue
		}

		cmd, args := strings.ToLower(words[0]), words[1:]
		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			return nil
		}

		if err := s.exec(cmd, args); err != nil {
			s.io.Printf("error: %v\n", err)
		}
	}

	return ctx.Err()
}

// completer provides tab completion for commands.
func completer(line string) []string {
	commands := []string{
		"get", "store", "insert", "modify", "append", "delete",
		"list", "count", "gen", "begin", "commit", "cancel",
		"check", "info", "bulk", "help", "exit", "quit",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func shellUsage(usage string) error {
	return fmt.Errorf("%w: usage: %s", errBadArgs, usage)
}

func (s *shell) exec(cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		s.io.Println(shellHelp)

		return nil
	case "get":
		return s.cmdGet(args)
	case "store", "insert", "modify":
		return s.cmdStore(cmd, args)
	case "append":
		return s.cmdAppend(args)
	case "delete", "del":
		return s.cmdDelete(args)
	case "list", "ls":
		return s.cmdList(args)
	case "count":
		return s.cmdCount()
	case "gen":
		gen, err := s.db.Generation()
		if err != nil {
			return err
		}

		s.io.Printf("generation %d\n", gen)

		return nil
	case "begin":
		return s.ok(s.db.Begin())
	case "commit":
		return s.ok(s.db.Commit())
	case "cancel":
		return s.ok(s.db.Cancel())
	case "check":
		return s.cmdCheck()
	case "info":
		sum, err := s.db.Summary()
		if err != nil {
			return err
		}

		s.io.Printf("%s", sum)

		return nil
	case "bulk":
		return s.cmdBulk(args)
	default:
		return fmt.Errorf("%w: %s (type 'help' for commands)", errUnknownCommand, cmd)
	}
}

func (s *shell) ok(err error) error {
	if err != nil {
		return err
	}

	s.io.Println("OK")

	return nil
}

func (s *shell) key(args []string, n int, usage string) ([]byte, []byte, error) {
	if len(args) != n {
		return nil, nil, shellUsage(usage)
	}

	key, err := s.app.decode(args[0])
	if err != nil {
		return nil, nil, err
	}

	if n == 1 {
		return key, nil, nil
	}

	data, err := s.app.decode(args[1])
	if err != nil {
		return nil, nil, err
	}

	return key, data, nil
}

func (s *shell) cmdGet(args []string) error {
	key, _, err := s.key(args, 1, "get <key>")
	if err != nil {
		return err
	}

	data, err := s.db.Fetch(key)
	if errors.Is(err, tdb.ErrNotFound) {
		s.io.Println("(not found)")

		return nil
	}

	if err != nil {
		return err
	}

	s.io.Println(s.app.display(data))

	return nil
}

func (s *shell) cmdStore(cmd string, args []string) error {
	key, data, err := s.key(args, 2, cmd+" <key> <value>")
	if err != nil {
		return err
	}

	mode := map[string]tdb.StoreMode{"store": tdb.Replace, "insert": tdb.Insert, "modify": tdb.Modify}[cmd]

	return s.ok(s.db.Store(key, data, mode))
}

func (s *shell) cmdAppend(args []string) error {
	key, data, err := s.key(args, 2, "append <key> <value>")
	if err != nil {
		return err
	}

	return s.ok(s.db.Append(key, data))
}

func (s *shell) cmdDelete(args []string) error {
	key, _, err := s.key(args, 1, "delete <key>")
	if err != nil {
		return err
	}

	return s.ok(s.db.Delete(key))
}

func (s *shell) cmdList(args []string) error {
	limit := 20

	if len(args) > 1 {
		return shellUsage("list [limit]")
	}

	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("%w: limit must be a positive integer", errBadArgs)
		}

		limit = n
	}

	shown := 0

	_, err := s.db.Traverse(func(key, data []byte) tdb.Action {
		s.io.Printf("%s = %s\n", s.app.display(key), s.app.display(data))
		shown++

		if shown == limit {
			return tdb.Stop
		}

		return tdb.Continue
	})
	if err != nil {
		return err
	}

	if shown == 0 {
		s.io.Println("(empty)")
	} else if shown == limit {
		s.io.Printf("... (showing first %d, use 'list <limit>' for more)\n", limit)
	}

	return nil
}

func (s *shell) cmdCount() error {
	n, err := s.db.Traverse(func([]byte, []byte) tdb.Action { return tdb.Continue })
	if err != nil {
		return err
	}

	s.io.Printf("%d records\n", n)

	return nil
}

func (s *shell) cmdCheck() error {
	report, err := s.db.Check(tdb.CheckOptions{})
	if err != nil {
		return err
	}

	for _, v := range report.Violations {
		s.io.Println(v.String())
	}

	if report.OK() {
		s.io.Printf("OK: %d records, %d free\n", report.Records, report.FreeRecords)
	}

	return nil
}

func (s *shell) cmdBulk(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return shellUsage("bulk <count> [prefix]")
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		return fmt.Errorf("%w: count must be a positive integer", errBadArgs)
	}

	var prefix string
	if len(args) == 2 {
		prefix = args[1]
	}

	// Outside a transaction, batch the inserts into one.
	own := !s.db.InTransaction()
	if own {
		if err := s.db.Begin(); err != nil {
			return err
		}
	}

	for range count {
		id := uuid.New()

		if err := s.db.Store([]byte(prefix+id.String()), id[:], tdb.Insert); err != nil {
			if own {
				return errors.Join(err, s.db.Cancel())
			}

			return err
		}
	}

	if own {
		if err := s.db.Commit(); err != nil {
			return err
		}
	}

	s.io.Printf("inserted %d records\n", count)

	return nil
}
