package convert

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"

	"mediaconv/config"
)

// Placeholders understood in CONVERT_ARGS.
const (
	PlaceholderSource       = config.PlaceholderSource
	PlaceholderOutput       = config.PlaceholderOutput
	PlaceholderOutputDir    = "{output_dir}"
	PlaceholderFormat       = "{format}"
	PlaceholderMediaType    = "{media_type}"
	PlaceholderKind         = "{kind}"
	PlaceholderKeepOriginal = "{keep_original}"
	PlaceholderJobID        = "{job_id}"
)

var (
	known = map[string]bool{
		PlaceholderSource:       true,
		PlaceholderOutput:       true,
		PlaceholderOutputDir:    true,
		PlaceholderFormat:       true,
		PlaceholderMediaType:    true,
		PlaceholderKind:         true,
		PlaceholderKeepOriginal: true,
		PlaceholderJobID:        true,
	}
	placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)
)

// SplitCommand splits a command string into arguments without a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// Template is a parsed argument vector. It is split once, so substituted
// values always stay a single argument no matter what they contain.
type Template struct {
	args []string
}

// ParseTemplate splits and checks an argument template.
func ParseTemplate(command string) (*Template, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}

	hasSource, hasOutput := false, false
	for _, arg := range args {
		for _, ph := range placeholderRe.FindAllString(arg, -1) {
			if !known[ph] {
				return nil, fmt.Errorf("unknown placeholder %s in argument %q", ph, arg)
			}
		}
		hasSource = hasSource || strings.Contains(arg, PlaceholderSource)
		hasOutput = hasOutput || strings.Contains(arg, PlaceholderOutput)

		// Nothing is run through a shell, but metacharacters in a template
		// almost always mean someone expected one.
		if strings.ContainsAny(placeholderRe.ReplaceAllString(arg, ""), "|&;`$<>") {
			return nil, fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	if !hasSource || !hasOutput {
		return nil, fmt.Errorf("template must include %s and %s", PlaceholderSource, PlaceholderOutput)
	}
	return &Template{args: args}, nil
}

// Expand substitutes values into a fresh argument slice.
func (t *Template) Expand(values map[string]string) []string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, k, v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(t.args))
	for i, arg := range t.args {
		out[i] = r.Replace(arg)
	}
	return out
}
