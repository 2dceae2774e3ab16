// Package flagx lets several configuration layers share os.Args: each layer
// picks out only the flags it owns and parses them with its own FlagSet.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// FilterArgs keeps the arguments that belong to allowedFlags, in order.
// A flag is recognised as "-f value" (the value is taken unless it starts
// with "-") or as "-f=value".
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; !ok {
			continue
		}
		filtered = append(filtered, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}
	return filtered
}

// ConfigFiles extracts the JSON config path (-c / -config) and the dotenv
// path (-env-file) from args. Missing flags yield empty strings.
func ConfigFiles(args []string) (jsonFile, envFile string) {
	filtered := FilterArgs(args, []string{"-c", "-config", "-env-file"})

	fs := flag.NewFlagSet("config-files", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&jsonFile, "config", "", "path to JSON config file")
	fs.StringVar(&jsonFile, "c", "", "path to JSON config file (short)")
	fs.StringVar(&envFile, "env-file", "", "path to .env file")
	_ = fs.Parse(filtered)

	return jsonFile, envFile
}
