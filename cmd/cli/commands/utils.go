package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var (
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "signal server url, websocket connections use the matching ws scheme",
		Value: "http://localhost:7880",
	}
	sessionFlag = &cli.StringFlag{
		Name:     "session",
		Usage:    "id of the session",
		Required: true,
	}
	mlineFlag = &cli.IntFlag{
		Name:  "mline",
		Usage: "limit the report to one media line, -1 reports everything",
		Value: -1,
	}

	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func PrintJSON(obj interface{}) {
	txt, _ := json.MarshalIndent(obj, "", "  ")
	fmt.Println(string(txt))
}

// wsHost maps an http(s) server url onto its websocket scheme
func wsHost(host string) string {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	default:
		return host
	}
}

func getJSON(url string, out interface{}) error {
	res, err := httpClient.Get(url)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return errors.Errorf("%s: %s %s", url, res.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
