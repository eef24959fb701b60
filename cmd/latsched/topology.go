package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"latsched/internal/topology"
)

func printTopology(w io.Writer, topo *topology.Topology) {
	order := make([]string, 0, topo.NumCPUs())
	for _, cpu := range topo.Preferred() {
		order = append(order, strconv.Itoa(cpu))
	}
	fmt.Fprintf(w, "cpus %d, smt %v, nodes %d\n", topo.NumCPUs(), topo.SMT, topo.Nodes)
	fmt.Fprintf(w, "scan order %s\n\n", strings.Join(order, ","))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "cpu\tcore\tnode\tcapacity\tsiblings\tonline")
	for _, c := range topo.CPUs {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%v\n", c.ID, c.Core, c.Node, c.Capacity, topology.FormatCPUList(c.Siblings), c.Online)
	}
	tw.Flush()
}
