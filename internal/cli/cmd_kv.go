package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/diskcache"
)

func (a *app) getCmd() *Command {
	flags := flag.NewFlagSet("get", flag.ContinueOnError)
	output := flags.StringP("output", "o", "", "write the value to this file atomically")

	return &Command{
		Flags: flags,
		Usage: "get <key> [flags]",
		Short: "Print the value stored under a key",
		Long: "Print the value stored under a key to stdout. With --output the\n" +
			"value is streamed into the target file; the file appears atomically\n" +
			"and is never observed half-written.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one key")
			}

			if *output != "" {
				r, err := a.cache.Reader(ctx, args[0])
				if err != nil {
					return err
				}
				defer r.Close()

				return atomic.WriteFile(*output, r)
			}

			value, err := a.cache.Get(ctx, args[0])
			if err != nil {
				return err
			}

			printValue(o, value)

			return nil
		},
	}
}

func (a *app) setCmd() *Command {
	flags := flag.NewFlagSet("set", flag.ContinueOnError)
	expire := flags.Duration("expire", 0, "time until the entry expires")
	tag := flags.String("tag", "", "tag for bulk eviction")
	file := flags.StringP("file", "f", "", "read the value from this file ('-' for stdin)")

	return &Command{
		Flags: flags,
		Usage: "set <key> [<value>] [flags]",
		Short: "Store a value under a key",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			var opts []diskcache.OpOption

			if flags.Changed("expire") {
				opts = append(opts, diskcache.Expire(*expire))
			}

			if flags.Changed("tag") {
				opts = append(opts, diskcache.Tag(*tag))
			}

			if *file != "" {
				if len(args) != 1 {
					return errors.New("expected exactly one key with --file")
				}

				var r io.Reader = a.in

				if *file != "-" {
					f, err := os.Open(*file)
					if err != nil {
						return err
					}
					defer f.Close()

					r = f
				}

				return a.cache.SetReader(ctx, args[0], r, opts...)
			}

			if len(args) != 2 {
				return errors.New("expected a key and a value")
			}

			return a.cache.Set(ctx, args[0], args[1], opts...)
		},
	}
}

func (a *app) delCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("del", flag.ContinueOnError),
		Usage: "del <key>",
		Short: "Remove the entry stored under a key",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one key")
			}

			deleted, err := a.cache.Delete(ctx, args[0])
			if err != nil {
				return err
			}

			if !deleted {
				return fmt.Errorf("no entry for key %q", args[0])
			}

			return nil
		},
	}
}

func (a *app) incrCmd() *Command {
	flags := flag.NewFlagSet("incr", flag.ContinueOnError)
	initial := flags.Int64("default", 0, "starting value for an absent key")
	mustExist := flags.Bool("must-exist", false, "fail instead of initializing an absent key")

	return &Command{
		Flags: flags,
		Usage: "incr <key> [<delta>] [flags]",
		Short: "Atomically add to an integer counter",
		Long: "Atomically add delta (default 1, may be negative) to the integer\n" +
			"stored under key and print the new value.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return errors.New("expected a key and an optional delta")
			}

			delta := int64(1)

			if len(args) == 2 {
				var err error

				delta, err = strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid delta %q: %w", args[1], err)
				}
			}

			opts := []diskcache.OpOption{diskcache.Retry()}

			if *mustExist {
				opts = append(opts, diskcache.MustExist())
			} else if flags.Changed("default") {
				opts = append(opts, diskcache.Default(*initial))
			}

			value, err := a.cache.Incr(ctx, args[0], delta, opts...)
			if err != nil {
				return err
			}

			o.Println(value)

			return nil
		},
	}
}

func (a *app) touchCmd() *Command {
	flags := flag.NewFlagSet("touch", flag.ContinueOnError)
	expire := flags.Duration("expire", 0, "new time until the entry expires")

	return &Command{
		Flags: flags,
		Usage: "touch <key> [flags]",
		Short: "Update the expiration of an entry",
		Long: "Update the expiration of a live entry without touching its value.\n" +
			"Without --expire the entry is made permanent.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one key")
			}

			var opts []diskcache.OpOption

			if flags.Changed("expire") {
				opts = append(opts, diskcache.Expire(*expire))
			}

			touched, err := a.cache.Touch(ctx, args[0], opts...)
			if err != nil {
				return err
			}

			if !touched {
				return fmt.Errorf("no entry for key %q", args[0])
			}

			return nil
		},
	}
}

func printValue(o *IO, value any) {
	switch v := value.(type) {
	case []byte:
		_, _ = o.Out().Write(v)
	case string:
		o.Println(v)
	default:
		o.Println(v)
	}
}
