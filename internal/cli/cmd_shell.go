package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive session against the cache",
		Long: "Start a readline-style session. Every line is a dcache command\n" +
			"without the leading 'dcache'. Type 'help' for the command list,\n" +
			"'exit' or Ctrl-D to leave.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("unexpected arguments")
			}

			return a.runShell(ctx, o)
		},
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".dcache_history")
	}

	return filepath.Join(home, ".dcache_history")
}

func (a *app) runShell(ctx context.Context, o *IO) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	names := make([]string, 0, len(a.commands()))
	for _, cmd := range a.commands() {
		names = append(names, cmd.Name())
	}

	line.SetCompleter(func(prefix string) []string {
		var matches []string

		for _, name := range names {
			if strings.HasPrefix(name, prefix) {
				matches = append(matches, name)
			}
		}

		return matches
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}

	o.Println("dcache shell -", a.cache.Directory())
	o.Println("Type 'help' for available commands.")
	o.Println()

	for {
		input, err := line.Prompt("dcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				o.Println()
				break
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		name := strings.ToLower(fields[0])

		switch name {
		case "exit", "quit":
			a.saveHistory(line)
			return nil
		case "help":
			for _, cmd := range a.commands() {
				if cmd.Name() == "shell" {
					continue
				}

				o.Println(cmd.HelpLine())
			}

			continue
		case "shell":
			o.ErrPrintln("error: already in a shell")
			continue
		}

		cmd := a.lookup(name)
		if cmd == nil {
			o.ErrPrintln("error: unknown command:", name)
			continue
		}

		cmd.Run(ctx, o, fields[1:])
	}

	a.saveHistory(line)

	return nil
}

func (a *app) saveHistory(line *liner.State) {
	f, err := os.Create(historyFile())
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = line.WriteHistory(f)
}
