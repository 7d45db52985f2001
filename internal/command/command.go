// Package command interprets operator input lines.
// Parse is pure, all I/O belongs to the dispatcher.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type Kind uint8

const (
	KindEmpty Kind = iota
	KindHelp
	KindUpload
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindHelp:
		return "help"
	case KindUpload:
		return "upload"
	case KindRaw:
		return "raw"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type Command struct {
	Kind Kind
	// Text is the trimmed input line.
	Text string
}

const uploadPrefix = "up"

// Parse never fails: anything not reserved is sent verbatim.
func Parse(line string) Command {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return Command{Kind: KindEmpty}
	case text == "help" || text == "?" || text == "h":
		return Command{Kind: KindHelp, Text: text}
	case strings.HasPrefix(text, uploadPrefix):
		return Command{Kind: KindUpload, Text: text}
	}
	return Command{Kind: KindRaw, Text: text}
}

const Usage = `
hello:    heater responds with udp message
version:  heater responds with firmware version
level off|low|medium|high|auto:  set heater level
bump amount duration:  increase/decrease the desired temperature by
          amount degrees for duration hours
schedule temp1,..,temp24:  set an hourly schedule for desired temps. If the
          schedule is less than 24 hours long, the last value is repeated.
update:   upload firmware, heater connects back and reboots into it
reboot:   tell the heater to reboot itself
report:   heater reports time, uptime, error log and schedule
`

var Levels = []string{"off", "low", "medium", "high", "auto"}

type Name struct {
	Text        string
	Description string
}

// Names lists commands for interactive completion.
func Names() []Name {
	return []Name{
		{"hello", "heater responds"},
		{"version", "firmware version"},
		{"level", "off|low|medium|high|auto"},
		{"bump", "amount duration"},
		{"schedule", "temp1,..,temp24"},
		{"update", "upload firmware"},
		{"reboot", "reboot heater"},
		{"report", "time, uptime, errors, schedule"},
		{"help", "show usage"},
	}
}

const (
	scheduleMax     = 24
	scheduleMinTemp = 10
	scheduleMaxTemp = 30
)

// Check tells whether firmware would accept text.
// Result is advisory, the line is sent anyway.
func Check(text string) error {
	words := strings.Fields(text)
	if len(words) == 0 {
		return errors.NotValidf("empty command")
	}
	name, args := words[0], words[1:]
	switch name {
	case "hello", "version", "reboot", "report", "time_update", "errtest":
		if len(args) != 0 {
			return errors.NotValidf("%s takes no arguments, extra='%s'", name, strings.Join(args, " "))
		}

	case "level":
		if len(args) != 1 {
			return errors.NotValidf("level expects one of %s", strings.Join(Levels, "|"))
		}
		for _, l := range Levels {
			if args[0] == l {
				return nil
			}
		}
		return errors.NotValidf("level=%s expected one of %s", args[0], strings.Join(Levels, "|"))

	case "bump":
		if len(args) != 2 {
			return errors.NotValidf("bump expects amount duration")
		}
		for _, a := range args {
			if _, err := strconv.Atoi(a); err != nil {
				return errors.NotValidf("bump argument=%s integer", a)
			}
		}

	case "schedule":
		// firmware: comma separated whole degrees, short schedule repeats the last value
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), name))
		if rest == "" {
			return nil
		}
		temps := strings.Split(rest, ",")
		if len(temps) > scheduleMax {
			return errors.NotValidf("schedule expects at most %d temperatures, got %d", scheduleMax, len(temps))
		}
		for _, s := range temps {
			t, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || t < scheduleMinTemp || t > scheduleMaxTemp {
				return errors.NotValidf("schedule temperature='%s' expected %d..%d", s, scheduleMinTemp, scheduleMaxTemp)
			}
		}

	case "update":
		if len(args) != 2 {
			return errors.NotValidf("update expects ip length")
		}
		if _, err := strconv.Atoi(args[1]); err != nil {
			return errors.NotValidf("update length=%s", args[1])
		}

	default:
		return errors.NotSupportedf("command '%s'", name)
	}
	return nil
}
