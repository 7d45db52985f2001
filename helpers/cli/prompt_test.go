package cli

import (
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
)

func TestReadLines(t *testing.T) {
	t.Parallel()
	lines := []string{}
	err := ReadLines(strings.NewReader("hello\n  level high \r\n\nreport"), func(line string) {
		lines = append(lines, line)
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"hello", "level high", "", "report"}, lines)
}

func TestCompleter(t *testing.T) {
	t.Parallel()
	complete := Completer([]prompt.Suggest{
		{Text: "reboot"},
		{Text: "report"},
		{Text: "level"},
	})
	texts := func(input string) []string {
		b := prompt.NewBuffer()
		b.InsertText(input, false, true)
		result := []string{}
		for _, s := range complete(*b.Document()) {
			result = append(result, s.Text)
		}
		return result
	}
	assert.Equal(t, []string{"reboot", "report"}, texts("re"))
	assert.Equal(t, []string{"level"}, texts("L"))
	assert.Equal(t, []string{}, texts("level hi"))
}
