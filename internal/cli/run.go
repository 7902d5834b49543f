package cli

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/diskcache"
)

const defaultDir = ".dcache"

// app carries the open cache and terminal IO shared by all commands.
type app struct {
	cache *diskcache.Cache
	in    io.Reader
}

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string) int {
	o := NewIO(out, errOut)

	flags, err := parseGlobalFlags(args[1:])
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	if len(flags.remaining) == 0 || flags.remaining[0] == "-h" || flags.remaining[0] == "--help" {
		printUsage(o)
		return 0
	}

	cfg, err := LoadConfig(configPath(flags), flags.configPath != "")
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	dir := resolveDir(flags, cfg, env)

	cache, err := openCache(dir, cfg, flags.verbose, errOut)
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}
	defer cache.Close()

	a := &app{cache: cache, in: in}

	name := flags.remaining[0]

	cmd := a.lookup(name)
	if cmd == nil {
		o.ErrPrintln("error: unknown command:", name)
		printUsage(o)

		return 1
	}

	return cmd.Run(context.Background(), o, flags.remaining[1:])
}

func configPath(flags globalFlags) string {
	if flags.configPath != "" {
		return flags.configPath
	}

	return configFile
}

func resolveDir(flags globalFlags, cfg Config, env map[string]string) string {
	if flags.dir != "" {
		return flags.dir
	}

	if d := env["DCACHE_DIR"]; d != "" {
		return d
	}

	if cfg.Dir != "" {
		return cfg.Dir
	}

	return defaultDir
}

func openCache(dir string, cfg Config, verbose bool, errOut io.Writer) (*diskcache.Cache, error) {
	opts := []diskcache.Option{
		diskcache.WithTimeout(10 * time.Second),
	}

	if verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: errOut}).
			With().Timestamp().Logger()
		opts = append(opts, diskcache.WithLogger(logger))
	}

	if cfg.SizeLimit > 0 {
		opts = append(opts, diskcache.WithSizeLimit(cfg.SizeLimit))
	}

	if cfg.CullLimit > 0 {
		opts = append(opts, diskcache.WithCullLimit(cfg.CullLimit))
	}

	if cfg.EvictionPolicy != "" {
		opts = append(opts, diskcache.WithEvictionPolicy(diskcache.Policy(cfg.EvictionPolicy)))
	}

	if cfg.Statistics {
		opts = append(opts, diskcache.WithStatistics(true))
	}

	if cfg.TagIndex {
		opts = append(opts, diskcache.WithTagIndex(true))
	}

	if cfg.MinFileSize > 0 {
		opts = append(opts, diskcache.WithMinFileSize(cfg.MinFileSize))
	}

	return diskcache.Open(dir, opts...)
}

func (a *app) lookup(name string) *Command {
	switch name {
	case "get":
		return a.getCmd()
	case "set":
		return a.setCmd()
	case "del":
		return a.delCmd()
	case "incr":
		return a.incrCmd()
	case "touch":
		return a.touchCmd()
	case "push":
		return a.pushCmd()
	case "pull":
		return a.pullCmd()
	case "peek":
		return a.peekCmd()
	case "keys":
		return a.keysCmd()
	case "stats":
		return a.statsCmd()
	case "cull":
		return a.cullCmd()
	case "expire":
		return a.expireCmd()
	case "clear":
		return a.clearCmd()
	case "evict":
		return a.evictCmd()
	case "check":
		return a.checkCmd()
	case "shell":
		return a.shellCmd()
	}

	return nil
}

func (a *app) commands() []*Command {
	return []*Command{
		a.getCmd(), a.setCmd(), a.delCmd(), a.incrCmd(), a.touchCmd(),
		a.pushCmd(), a.pullCmd(), a.peekCmd(), a.keysCmd(), a.statsCmd(),
		a.cullCmd(), a.expireCmd(), a.clearCmd(), a.evictCmd(), a.checkCmd(),
		a.shellCmd(),
	}
}

func printUsage(o *IO) {
	o.Println("Usage: dcache [-d <dir>] [-c <config>] [-v] <command> [args]")
	o.Println()
	o.Println("Disk-backed key/value cache.")
	o.Println()
	o.Println("Global flags:")
	o.Println("  -d, --dir     cache directory (default " + defaultDir + ", or $DCACHE_DIR)")
	o.Println("  -c, --config  config file (default ./" + configFile + ")")
	o.Println("  -v, --verbose log maintenance activity to stderr")
	o.Println()
	o.Println("Commands:")

	a := &app{}
	for _, cmd := range a.commands() {
		o.Println(cmd.HelpLine())
	}

	o.Println()
	o.Println("Run 'dcache <command> --help' for command details.")
}

type globalFlags struct {
	dir        string
	configPath string
	verbose    bool
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]
			break
		}

		idx += consumed
	}

	return flags, nil
}

// parseFlag tries to parse a flag at args[idx]. Returns number of args
// consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	if (arg == "-d" || arg == "--dir") && idx+1 < len(args) {
		flags.dir = args[idx+1]
		return 2, nil
	}

	if (arg == "-c" || arg == "--config") && idx+1 < len(args) {
		flags.configPath = args[idx+1]
		return 2, nil
	}

	if arg == "-v" || arg == "--verbose" {
		flags.verbose = true
		return 1, nil
	}

	return 0, nil
}
