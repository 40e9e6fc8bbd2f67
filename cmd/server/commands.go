package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/livekit/pcengine/pkg/config"
)

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Protocol", "Port", "Purpose"})

	table.Append([]string{"TCP", fmt.Sprintf("%d", conf.Port), "HTTP service"})
	if conf.PrometheusPort != 0 {
		table.Append([]string{"TCP", fmt.Sprintf("%d", conf.PrometheusPort), "prometheus metrics"})
	}
	if conf.RTC.ICEPortRangeStart != 0 || conf.RTC.ICEPortRangeEnd != 0 {
		table.Append([]string{"UDP", fmt.Sprintf("%d-%d", conf.RTC.ICEPortRangeStart, conf.RTC.ICEPortRangeEnd), "ICE/UDP range"})
	} else {
		table.Append([]string{"UDP", "ephemeral", "ICE/UDP"})
	}

	table.Render()
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
