package input

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
)

var (
	resourceColumns = []string{"name", "cpu_cores", "memory_mb", "cost_per_second", "schedulable"}
	edgeColumns     = []string{"src", "dst", "bandwidth_mbps", "rtt_ms", "transfer_price_per_gb"}
)

// ReadResources builds the network graph from the resource catalog and the
// pairwise edge table. Edge bandwidth arrives in Mbps and RTT in
// milliseconds; both are normalized to the engine's MB/s and seconds.
func ReadResources(resources, edges io.Reader) (*cluster.NetworkGraph, error) {
	g := cluster.NewGraph()
	if err := eachCSVRow(resources, resourceColumns, func(cols map[string]string) error {
		cpu, err := strconv.ParseFloat(cols["cpu_cores"], 64)
		if err != nil {
			return errors.Wrapf(err, "bad cpu_cores %q", cols["cpu_cores"])
		}
		mem, err := strconv.ParseFloat(cols["memory_mb"], 64)
		if err != nil {
			return errors.Wrapf(err, "bad memory_mb %q", cols["memory_mb"])
		}
		cost, err := strconv.ParseFloat(cols["cost_per_second"], 64)
		if err != nil {
			return errors.Wrapf(err, "bad cost_per_second %q", cols["cost_per_second"])
		}
		schedulable, err := strconv.ParseBool(cols["schedulable"])
		if err != nil {
			return errors.Wrapf(err, "bad schedulable %q", cols["schedulable"])
		}
		_, err = g.AddResource(cluster.Resource{
			Name:          cols["name"],
			CPUCores:      cpu,
			MemoryMB:      mem,
			CostPerSecond: cost,
			Schedulable:   schedulable,
		})
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "reading resource catalog")
	}

	if err := eachCSVRow(edges, edgeColumns, func(cols map[string]string) error {
		src, ok := g.ResourceByName(cols["src"])
		if !ok {
			return errors.Errorf("unknown resource %q", cols["src"])
		}
		dst, ok := g.ResourceByName(cols["dst"])
		if !ok {
			return errors.Errorf("unknown resource %q", cols["dst"])
		}
		bandwidth, err := strconv.ParseFloat(cols["bandwidth_mbps"], 64)
		if err != nil {
			return errors.Wrapf(err, "bad bandwidth_mbps %q", cols["bandwidth_mbps"])
		}
		rtt, err := strconv.ParseFloat(cols["rtt_ms"], 64)
		if err != nil {
			return errors.Wrapf(err, "bad rtt_ms %q", cols["rtt_ms"])
		}
		price, err := strconv.ParseFloat(cols["transfer_price_per_gb"], 64)
		if err != nil {
			return errors.Wrapf(err, "bad transfer_price_per_gb %q", cols["transfer_price_per_gb"])
		}
		return g.AddEdge(src, dst, cluster.Edge{
			BandwidthMBps:      bandwidth / 8.0,
			RTT:                rtt / 1000.0,
			TransferPricePerGB: price,
		})
	}); err != nil {
		return nil, errors.Wrap(err, "reading network edges")
	}
	return g, nil
}

// LoadResources reads the resource catalog and edge files.
func LoadResources(resourcesPath, edgesPath string) (*cluster.NetworkGraph, error) {
	rf, err := os.Open(resourcesPath)
	if err != nil {
		return nil, err
	}
	defer rf.Close()
	ef, err := os.Open(edgesPath)
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	return ReadResources(rf, ef)
}

func eachCSVRow(r io.Reader, required []string, fn func(map[string]string) error) error {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err == io.EOF {
		return errors.New("empty file")
	}
	if err != nil {
		return err
	}
	index := map[string]int{}
	for i, name := range header {
		index[name] = i
	}
	for _, name := range required {
		if _, ok := index[name]; !ok {
			return errors.Errorf("missing column %q", name)
		}
	}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		cols := make(map[string]string, len(index))
		for name, i := range index {
			if i < len(record) {
				cols[name] = record[i]
			}
		}
		if err := fn(cols); err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
	}
}
