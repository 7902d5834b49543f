package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/diskcache"
)

func (a *app) keysCmd() *Command {
	flags := flag.NewFlagSet("keys", flag.ContinueOnError)
	sorted := flags.Bool("sorted", false, "sort by key instead of insertion order")
	reverse := flags.Bool("reverse", false, "list in reverse order")

	return &Command{
		Flags: flags,
		Usage: "keys [flags]",
		Short: "List all keys",
		Long:  "List all keys in insertion order, including expired entries.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("unexpected arguments")
			}

			var opts []diskcache.OpOption
			if *reverse {
				opts = append(opts, diskcache.Reverse())
			}

			seq := a.cache.Keys(ctx, opts...)
			if *sorted {
				seq = a.cache.SortedKeys(ctx, opts...)
			}

			for key, err := range seq {
				if err != nil {
					return err
				}

				o.Println(key)
			}

			return nil
		},
	}
}

func (a *app) statsCmd() *Command {
	flags := flag.NewFlagSet("stats", flag.ContinueOnError)
	reset := flags.Bool("reset", false, "zero the hit/miss counters after reading")

	return &Command{
		Flags: flags,
		Usage: "stats [flags]",
		Short: "Print entry count, volume, and hit/miss counters",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("unexpected arguments")
			}

			count, err := a.cache.Count(ctx)
			if err != nil {
				return err
			}

			volume, err := a.cache.Volume(ctx)
			if err != nil {
				return err
			}

			hits, misses, err := a.cache.Stats(ctx, *reset)
			if err != nil {
				return err
			}

			o.Printf("count=%d\n", count)
			o.Printf("volume=%d\n", volume)
			o.Printf("hits=%d\n", hits)
			o.Printf("misses=%d\n", misses)

			return nil
		},
	}
}

func (a *app) cullCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("cull", flag.ContinueOnError),
		Usage: "cull",
		Short: "Remove expired entries and evict down to the size limit",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			count, err := a.cache.Cull(ctx)
			if err != nil {
				return err
			}

			o.Printf("removed %d entries\n", count)

			return nil
		},
	}
}

func (a *app) expireCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("expire", flag.ContinueOnError),
		Usage: "expire",
		Short: "Remove all expired entries",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			count, err := a.cache.Expire(ctx)
			if err != nil {
				return err
			}

			o.Printf("removed %d entries\n", count)

			return nil
		},
	}
}

func (a *app) clearCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("clear", flag.ContinueOnError),
		Usage: "clear",
		Short: "Remove every entry",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			count, err := a.cache.Clear(ctx)
			if err != nil {
				return err
			}

			o.Printf("removed %d entries\n", count)

			return nil
		},
	}
}

func (a *app) evictCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("evict", flag.ContinueOnError),
		Usage: "evict <tag>",
		Short: "Remove every entry carrying a tag",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one tag")
			}

			count, err := a.cache.EvictTag(ctx, args[0])
			if err != nil {
				return err
			}

			o.Printf("removed %d entries\n", count)

			return nil
		},
	}
}

func (a *app) checkCmd() *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	fix := flags.Bool("fix", false, "repair the problems found")

	return &Command{
		Flags: flags,
		Usage: "check [flags]",
		Short: "Verify index and file consistency",
		Long: "Cross-check the index against the blob files and report every\n" +
			"inconsistency. With --fix, stale rows, wrong sizes, orphaned files,\n" +
			"and drifted counters are repaired and the index is vacuumed.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("unexpected arguments")
			}

			warnings, err := a.cache.Check(ctx, *fix)
			if err != nil {
				return err
			}

			for _, w := range warnings {
				o.Println(w)
			}

			if len(warnings) > 0 && !*fix {
				return fmt.Errorf("%d problems found, run with --fix to repair", len(warnings))
			}

			o.Printf("%d problems found\n", len(warnings))

			return nil
		},
	}
}
