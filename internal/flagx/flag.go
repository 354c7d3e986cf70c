// Package flagx separates configuration flags from the rest of a command
// line so config loading and command dispatch can parse their own parts.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// SplitArgs partitions args into the flags named in allowed, with their
// values, and everything else. Both keep the original order. A flag is
// recognised as "-name=value" or as "-name value"; a following argument that
// starts with "-" is not taken as the value. Arguments after a bare "--" all
// go to rest.
func SplitArgs(args, allowed []string) (matched, rest []string) {
	known := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		known[f] = true
	}

	matched = make([]string, 0, len(args))
	rest = make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = append(rest, args[i:]...)
			break
		}

		name, _, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(arg, "-") || !known[name] {
			rest = append(rest, arg)
			continue
		}

		matched = append(matched, arg)
		if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			matched = append(matched, args[i])
		}
	}
	return matched, rest
}

// FilterArgs returns only the allowed flags and their values from args.
func FilterArgs(args, allowed []string) []string {
	matched, _ := SplitArgs(args, allowed)
	return matched
}

// ConfigFileFlag returns the path given with -c or -config, or "" when
// neither is present. The loader picks JSON or YAML by extension.
func ConfigFileFlag(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config", "--c", "--config"}))

	return path
}
