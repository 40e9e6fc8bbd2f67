package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/urfave/cli/v2"
)

var SessionCommands = []*cli.Command{
	{
		Name:   "list-sessions",
		Usage:  "lists live sessions of a server",
		Action: listSessions,
		Flags:  []cli.Flag{hostFlag},
	},
	{
		Name:   "session-stats",
		Usage:  "prints the stats report of a live or recently closed session",
		Action: sessionStats,
		Flags:  []cli.Flag{hostFlag, sessionFlag, mlineFlag},
	},
}

type sessionList struct {
	Sessions []string `json:"sessions"`
	Current  int32    `json:"current"`
	Total    uint64   `json:"total"`
}

func listSessions(c *cli.Context) error {
	var res sessionList
	if err := getJSON(strings.TrimSuffix(c.String("host"), "/")+"/sessions", &res); err != nil {
		return err
	}
	PrintJSON(res)
	return nil
}

func sessionStats(c *cli.Context) error {
	u := fmt.Sprintf("%s/sessions/%s/stats", strings.TrimSuffix(c.String("host"), "/"), url.PathEscape(c.String("session")))
	if mline := c.Int("mline"); mline >= 0 {
		u += fmt.Sprintf("?mline=%d", mline)
	}

	var report map[string]json.RawMessage
	if err := getJSON(u, &report); err != nil {
		return err
	}
	PrintJSON(report)
	return nil
}
