package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/diskcache"
)

func queueFlags(flags *flag.FlagSet) (prefix *string, front, back *bool) {
	prefix = flags.String("prefix", "", "named queue to use")
	front = flags.Bool("front", false, "use the front of the queue")
	back = flags.Bool("back", false, "use the back of the queue")

	return prefix, front, back
}

func queueOpts(prefix string, front, back bool) ([]diskcache.OpOption, error) {
	if front && back {
		return nil, errors.New("--front and --back are mutually exclusive")
	}

	var opts []diskcache.OpOption

	if prefix != "" {
		opts = append(opts, diskcache.Prefix(prefix))
	}

	if front {
		opts = append(opts, diskcache.Front())
	}

	if back {
		opts = append(opts, diskcache.Back())
	}

	return opts, nil
}

func (a *app) pushCmd() *Command {
	flags := flag.NewFlagSet("push", flag.ContinueOnError)
	prefix, front, back := queueFlags(flags)
	expire := flags.Duration("expire", 0, "time until the entry expires")

	return &Command{
		Flags: flags,
		Usage: "push <value> [flags]",
		Short: "Append a value to a queue",
		Long: "Append a value to the back of a queue (or the front with --front)\n" +
			"and print the key it was stored under.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one value")
			}

			opts, err := queueOpts(*prefix, *front, *back)
			if err != nil {
				return err
			}

			if flags.Changed("expire") {
				opts = append(opts, diskcache.Expire(*expire))
			}

			key, err := a.cache.Push(ctx, args[0], opts...)
			if err != nil {
				return err
			}

			o.Println(key)

			return nil
		},
	}
}

func (a *app) pullCmd() *Command {
	flags := flag.NewFlagSet("pull", flag.ContinueOnError)
	prefix, front, back := queueFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "pull [flags]",
		Short: "Remove and print the next queue value",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("unexpected arguments")
			}

			opts, err := queueOpts(*prefix, *front, *back)
			if err != nil {
				return err
			}

			_, value, err := a.cache.Pull(ctx, opts...)
			if err != nil {
				return err
			}

			printValue(o, value)

			return nil
		},
	}
}

func (a *app) peekCmd() *Command {
	flags := flag.NewFlagSet("peek", flag.ContinueOnError)
	prefix, front, back := queueFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "peek [flags]",
		Short: "Print the next queue value without removing it",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("unexpected arguments")
			}

			opts, err := queueOpts(*prefix, *front, *back)
			if err != nil {
				return err
			}

			_, value, err := a.cache.Peek(ctx, opts...)
			if err != nil {
				return err
			}

			printValue(o, value)

			return nil
		},
	}
}
