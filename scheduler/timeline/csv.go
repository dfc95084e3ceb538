package timeline

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/pipeline"
	"github.com/catsproject/cats/scheduler/estimator"
)

var csvHeader = []string{
	"step", "start_position_seconds", "end_position_seconds",
	"resource", "cpu_reservation", "memory_reservation",
}

// WriteCSV serializes the timeline, one row per event, ordered by start
// position with ties broken by resource then step.
func (t *Timeline) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range t.events {
		row := []string{
			t.pipe.Step(ev.Step).Name,
			formatFloat(ev.Start),
			formatFloat(ev.End()),
			t.graph.Resource(ev.Resource).Name,
			formatFloat(ev.Reservation.CPUCores),
			formatFloat(ev.Reservation.MemoryMB),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadCSV reconstructs a timeline from its serialized form. Loaded events
// carry their duration as a single processing block; the decomposition
// into setup, transfer, and processing is not part of the wire format, so
// equality with the source timeline is positional (see Equal).
func ReadCSV(r io.Reader, p *pipeline.Pipeline, g *cluster.NetworkGraph) (*Timeline, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading timeline header")
	}
	if len(header) != len(csvHeader) {
		return nil, errors.Errorf("timeline header has %d columns, want %d", len(header), len(csvHeader))
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, errors.Errorf("timeline column %d is %q, want %q", i, header[i], name)
		}
	}
	t := New(p, g)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		line++
		ev, err := eventFromRow(record, p, g)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		// Loaded events passed validation when the source timeline was
		// built; the wire format has no estimate decomposition to
		// revalidate synchronization against, so they insert directly.
		t.insert(ev)
	}
}

func eventFromRow(record []string, p *pipeline.Pipeline, g *cluster.NetworkGraph) (*Event, error) {
	step, ok := p.StepByName(record[0])
	if !ok {
		return nil, errors.Errorf("unknown step %q", record[0])
	}
	resource, ok := g.ResourceByName(record[3])
	if !ok {
		return nil, errors.Errorf("unknown resource %q", record[3])
	}
	start, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad start position %q", record[1])
	}
	end, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad end position %q", record[2])
	}
	if end < start {
		return nil, errors.Errorf("event of %q ends at %g before it starts at %g", record[0], end, start)
	}
	cpu, err := strconv.ParseFloat(record[4], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad cpu reservation %q", record[4])
	}
	mem, err := strconv.ParseFloat(record[5], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad memory reservation %q", record[5])
	}
	return &Event{
		Step:             step,
		Resource:         resource,
		ProducerResource: cluster.NoResource,
		Start:            start,
		Estimate:         durationEstimate(end - start),
		Reservation:      Reservation{CPUCores: cpu, MemoryMB: mem},
	}, nil
}

// durationEstimate wraps a bare duration as a whole-batch estimate so a
// loaded event reproduces its serialized interval exactly.
func durationEstimate(duration float64) estimator.Estimate {
	return estimator.Estimate{Kind: pipeline.Batch, Processing: duration}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
