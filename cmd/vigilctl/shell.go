package main

import (
	"context"
	"fmt"
	"strings"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/vigil/internal/client"
)

var commands = []prompt.Suggest{
	{Text: "eval", Description: "evaluate host:key.function(params)"},
	{Text: "put", Description: "send host key clock value"},
	{Text: "status", Description: "show the session"},
	{Text: "exit", Description: "leave the shell"},
}

// functions lists the evaluable functions offered after a key.
var functions = []prompt.Suggest{
	{Text: "last(", Description: "last value, or the Nth with #N"},
	{Text: "prev(", Description: "previous value"},
	{Text: "avg(", Description: "average over a period or count"},
	{Text: "min(", Description: "minimum over a period or count"},
	{Text: "max(", Description: "maximum over a period or count"},
	{Text: "sum(", Description: "sum over a period or count"},
	{Text: "count(", Description: "number of matching values"},
	{Text: "delta(", Description: "max minus min"},
	{Text: "change(", Description: "difference to the previous value"},
	{Text: "diff(", Description: "1 if the last value changed"},
	{Text: "abschange(", Description: "absolute change"},
	{Text: "nodata(", Description: "1 if no data was received"},
	{Text: "fuzzytime(", Description: "1 if the timestamp is close to now"},
	{Text: "forecast(", Description: "value forecast"},
	{Text: "timeleft(", Description: "time until a threshold"},
	{Text: "percentile(", Description: "Nth percentile"},
	{Text: "band(", Description: "bitwise and"},
	{Text: "str(", Description: "substring in the last value"},
	{Text: "regexp(", Description: "regular expression match"},
	{Text: "iregexp(", Description: "case insensitive regexp"},
	{Text: "strlen(", Description: "length of the last value"},
	{Text: "logeventid(", Description: "log event id match"},
	{Text: "logseverity(", Description: "log severity"},
	{Text: "logsource(", Description: "log source match"},
	{Text: "date(", Description: "current date"},
	{Text: "time(", Description: "current time"},
	{Text: "now(", Description: "current unix time"},
	{Text: "dayofweek(", Description: "day of week"},
	{Text: "dayofmonth(", Description: "day of month"},
}

// complete suggests commands for the first word and function names after
// the last dot of an eval argument.
func complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()

	if !strings.Contains(before, " ") {
		return prompt.FilterHasPrefix(commands, word, true)
	}
	if strings.HasPrefix(before, "eval ") && strings.Contains(word, ":") && !strings.Contains(word, "(") {
		if i := strings.LastIndexByte(word, '.'); i >= 0 {
			return prompt.FilterHasPrefix(functions, word[i+1:], true)
		}
	}
	return nil
}

type shell struct {
	ctx context.Context
	c   *client.Client
}

func (s *shell) execute(line string) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return
	case "status":
		fmt.Printf("state=%s session=%s\n", s.c.State(), s.c.SessionID())
		return
	}

	out, err := execute(s.ctx, s.c, line)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(out)
}

func runShell(ctx context.Context, c *client.Client, server string) {
	s := &shell{ctx: ctx, c: c}
	fmt.Printf("connected to %s, type exit to leave\n", server)

	p := prompt.New(
		s.execute,
		complete,
		prompt.OptionPrefix("vigil> "),
		prompt.OptionTitle("vigilctl "+server),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && (strings.TrimSpace(in) == "exit" || strings.TrimSpace(in) == "quit")
		}),
	)
	p.Run()
}
