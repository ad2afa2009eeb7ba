// Package flagx lets several loaders share one command line: each picks
// out the flags it owns and parses them with its own flag.FlagSet.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// FilterArgs keeps only the allowed flags of args, together with their
// values. Both "-name value" and "-name=value" are recognized, and "-name"
// also matches "--name". Flags listed in boolFlags never take a separate
// value.
func FilterArgs(args []string, allowed []string, boolFlags ...string) []string {
	names := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		names[normalize(f)] = true
	}
	bools := make(map[string]bool, len(boolFlags))
	for _, f := range boolFlags {
		bools[normalize(f)] = true
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			continue
		}

		if name, _, ok := strings.Cut(arg, "="); ok {
			if names[normalize(name)] {
				filtered = append(filtered, arg)
			}
			continue
		}

		name := normalize(arg)
		if !names[name] {
			continue
		}
		filtered = append(filtered, arg)
		if bools[name] {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}
	return filtered
}

func normalize(name string) string {
	return "-" + strings.TrimLeft(name, "-")
}

// ConfigPath returns the value of -c or -config in args, or "" when
// neither is present. The last occurrence wins.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config"}))

	return path
}
