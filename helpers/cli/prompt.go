package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop blocks until input is exhausted: Ctrl-D on terminal, EOF otherwise.
func MainLoop(tag string, exec func(line string), complete prompt.Completer, opts ...prompt.Option) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		opts = append([]prompt.Option{prompt.OptionTitle(tag)}, opts...)
		prompt.New(exec, complete, opts...).Run()
		return nil
	}
	return ReadLines(os.Stdin, exec)
}

// ReadLines calls exec for each line with surrounding whitespace removed.
func ReadLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		exec(strings.TrimSpace(scanner.Text()))
	}
	return scanner.Err()
}

// Completer suggests only for the first word, arguments are free form.
func Completer(suggests []prompt.Suggest) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		before := d.TextBeforeCursor()
		if strings.ContainsAny(before, " \t") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
