package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"jobmux/pkg/discovery"
	"jobmux/pkg/selector"
	"jobmux/pkg/transport"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newNodesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Discover the workflow's nodes and show the endpoint a session would pick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Workflow == "" {
				return fmt.Errorf("no workflow configured (--workflow or workflow:)")
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			src, release, err := a.source()
			if err != nil {
				return err
			}
			defer release()
			topo, err := src.Nodes(ctx, a.cfg.Workflow)
			if err != nil {
				return fmt.Errorf("discover %s: %w", a.cfg.Workflow, err)
			}
			sel := selector.New(nil)
			sel.Log = a.logger
			if a.cfg.LocalHost != "" {
				sel.LocalHost = a.cfg.LocalHost
			}
			chosen, err := sel.Select(topo)
			if err != nil && len(topo) == 0 {
				return err
			}
			renderNodes(cmd.OutOrStdout(), topo, sel, chosen)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no endpoint within reach of "+sel.LocalHost))
			}
			return nil
		},
	}
}

// renderNodes prints one row per endpoint; the selected endpoint is marked
// with "*".
func renderNodes(w io.Writer, topo discovery.Topology, sel *selector.Selector, chosen transport.Endpoint) {
	header := []string{"", "NODE", "HOST", "KIND", "URI", "DISTANCE"}
	var rows [][]string
	for _, ep := range topo.Endpoints() {
		mark := ""
		if ep.Equal(chosen) {
			mark = "*"
		}
		d := sel.Metric.Distance(ep, sel.LocalHost)
		dist := strconv.FormatFloat(d, 'g', -1, 64)
		if d > selector.Threshold {
			dist = "unreachable"
		}
		rows = append(rows, []string{mark, ep.NodeID, ep.Host, ep.Kind.String(), ep.URI, dist})
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No nodes found.")
		return
	}
	widths := make([]int, len(header))
	for _, r := range append([][]string{header}, rows...) {
		for i, c := range r {
			widths[i] = max(widths[i], len(c))
		}
	}
	line := func(r []string) string {
		cells := make([]string, len(r))
		for i, c := range r {
			cells[i] = c + strings.Repeat(" ", widths[i]-len(c))
		}
		return strings.TrimRight(strings.Join(cells, "  "), " ")
	}
	fmt.Fprintln(w, headerStyle.Render(line(header)))
	for _, r := range rows {
		if r[0] == "*" {
			fmt.Fprintln(w, selectedStyle.Render(line(r)))
			continue
		}
		fmt.Fprintln(w, line(r))
	}
}

func splitHostPort(s string) (string, int, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("coordinator %q: %w", s, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("coordinator %q: bad port", s)
	}
	return host, port, nil
}
