package command

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		expect Command
	}{
		{"", Command{Kind: KindEmpty}},
		{"   \t ", Command{Kind: KindEmpty}},
		{"help", Command{KindHelp, "help"}},
		{"?", Command{KindHelp, "?"}},
		{" h ", Command{KindHelp, "h"}},
		{"Help", Command{KindRaw, "Help"}},
		{"helpme", Command{KindRaw, "helpme"}},
		{"up", Command{KindUpload, "up"}},
		{"update", Command{KindUpload, "update"}},
		{"  update 10.0.0.2 1024", Command{KindUpload, "update 10.0.0.2 1024"}},
		{"hello", Command{KindRaw, "hello"}},
		{"level  high \n", Command{KindRaw, "level  high"}},
		{"bump 2 3", Command{KindRaw, "bump 2 3"}},
		{"UP", Command{KindRaw, "UP"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			assert.Equal(t, c.expect, Parse(c.input))
		})
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "upload", KindUpload.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input     string
		expectErr string
	}{
		{"hello", ""},
		{"version", ""},
		{"report", ""},
		{"reboot now", "reboot takes no arguments, extra='now' not valid"},
		{"level auto", ""},
		{"level", "level expects one of off|low|medium|high|auto not valid"},
		{"level max", "level=max expected one of off|low|medium|high|auto not valid"},
		{"bump 2 3", ""},
		{"bump -1 12", ""},
		{"bump 2", "bump expects amount duration not valid"},
		{"bump two 3", "bump argument=two integer not valid"},
		{"schedule", ""},
		{"schedule 18,19, 21", ""},
		{"schedule 18,40", "schedule temperature='40' expected 10..30 not valid"},
		{"schedule 18,x", "schedule temperature='x' expected 10..30 not valid"},
		{"schedule 19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19,19", "schedule expects at most 24 temperatures, got 25 not valid"},
		{"update 10.0.0.2 1024", ""},
		{"update 10.0.0.2", "update expects ip length not valid"},
		{"dance", "command 'dance' not supported"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			err := Check(c.input)
			if c.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, c.expectErr)
			if c.input != "dance" {
				assert.True(t, errors.IsNotValid(err))
			}
		})
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	for _, n := range Names() {
		assert.NotEmpty(t, n.Text)
		assert.NotEmpty(t, n.Description)
	}
}
