package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List platforms and devices",
	Long: `Prints every platform of the runtime with a table of its devices,
including memory limits and the profiling timer resolution.`,
	RunE: experiment(runInfo),
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
)

// deviceTable renders devices as a table, one row per device.
func deviceTable(devices []cl.Device) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("#", "Name", "Type", "Version", "Units", "Global mem", "Max alloc", "Timer", "Extensions")

	for i, dev := range devices {
		info := dev.Info()
		table.Row(
			strconv.Itoa(i),
			info.Name,
			info.Type.String(),
			info.Version,
			strconv.FormatUint(uint64(info.MaxComputeUnits), 10),
			humanize.IBytes(info.GlobalMemSize),
			humanize.IBytes(info.MaxMemAlloc),
			fmt.Sprintf("%d ns", info.TimerResolution),
			strings.Join(info.Extensions, " "),
		)
	}
	return table.String()
}

func runInfo(e *env) error {
	platforms, err := e.drv.Platforms()
	if err != nil {
		return err
	}
	for i, p := range platforms {
		info := p.Info()
		if i > 0 {
			fmt.Fprintln(e.out)
		}
		fmt.Fprintf(e.out, "Platform %d: %s\n", i, info.Name)
		fmt.Fprintf(e.out, "  Vendor:  %s\n", info.Vendor)
		fmt.Fprintf(e.out, "  Version: %s\n", info.Version)

		devices, err := p.Devices(cl.DeviceTypeAll)
		if cl.StatusOf(err) == cl.DeviceNotFound {
			fmt.Fprintln(e.out, "  no devices")
			continue
		}
		if err != nil {
			return fmt.Errorf("platform %d: %w", i, err)
		}
		fmt.Fprintln(e.out, deviceTable(devices))
	}
	return nil
}
