package scenario

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/eigerco/aggregator/internal/crypto"
	"github.com/eigerco/aggregator/internal/executor"
	"github.com/eigerco/aggregator/pkg/aggregator"
)

// ValueStore is the committed state a report is taken from.
type ValueStore interface {
	Value(id aggregator.ID) (aggregator.SnapshotValue, bool, error)
	ForEach(fn func(id aggregator.ID, value aggregator.SnapshotValue) error) error
	Root() (crypto.Hash, error)
}

type TransactionReport struct {
	Name     string
	Outcome  string
	Attempts int
	Error    string
}

type ValueReport struct {
	ID    aggregator.ID
	Name  string
	Value aggregator.SnapshotValue
}

type MetricReport struct {
	Name  string
	Value float64
}

// Report is the deterministic outcome of running a scenario.
type Report struct {
	Transactions []TransactionReport
	Values       []ValueReport
	Root         crypto.Hash
	Mismatches   []string
	Metrics      []MetricReport
}

// NewReport collects the results of a block, the committed values in st and
// the counters in g. g may be nil.
func NewReport(s *Scenario, results []executor.Result, st ValueStore, g prometheus.Gatherer) (*Report, error) {
	r := &Report{}
	for _, res := range results {
		tr := TransactionReport{Name: res.Name, Outcome: res.Outcome, Attempts: res.Attempts}
		if res.Err != nil {
			tr.Error = res.Err.Error()
		}
		r.Transactions = append(r.Transactions, tr)
	}

	err := st.ForEach(func(id aggregator.ID, value aggregator.SnapshotValue) error {
		r.Values = append(r.Values, ValueReport{ID: id, Name: s.Name(id), Value: value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect values: %w", err)
	}
	slices.SortFunc(r.Values, func(a, b ValueReport) int {
		if a.ID.IsLegacy() && b.ID.IsLegacy() {
			return cmp.Compare(a.Name, b.Name)
		}
		return a.ID.Compare(b.ID)
	})

	if r.Root, err = st.Root(); err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}

	if r.Mismatches, err = s.Check(st); err != nil {
		return nil, err
	}

	if g != nil {
		if r.Metrics, err = counters(g); err != nil {
			return nil, fmt.Errorf("gather metrics: %w", err)
		}
	}
	return r, nil
}

// Check compares the committed values in st with the expect section and
// returns a description of every mismatch.
func (s *Scenario) Check(st ValueStore) ([]string, error) {
	var mismatches []string
	for _, e := range s.Expect {
		id := e.ID.fixed()
		got, ok, err := st.Value(id)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", s.Name(id), err)
		}

		switch {
		case e.Absent && ok:
			mismatches = append(mismatches, fmt.Sprintf("%s = %s, want absent", s.Name(id), formatValue(got)))
		case e.Absent:
		case !ok:
			mismatches = append(mismatches, fmt.Sprintf("%s is absent, want %s", s.Name(id), formatValue(e.snapshotValue())))
		case !sameValue(got, e.snapshotValue()):
			mismatches = append(mismatches, fmt.Sprintf("%s = %s, want %s", s.Name(id), formatValue(got), formatValue(e.snapshotValue())))
		}
	}
	return mismatches, nil
}

func sameValue(a, b aggregator.SnapshotValue) bool {
	switch av := a.(type) {
	case aggregator.IntegerValue:
		bv, ok := b.(aggregator.IntegerValue)
		return ok && av == bv
	case aggregator.StringValue:
		bv, ok := b.(aggregator.StringValue)
		return ok && bytes.Equal(av, bv)
	}
	return false
}

func formatValue(v aggregator.SnapshotValue) string {
	if s, ok := v.(aggregator.StringValue); ok {
		return fmt.Sprintf("%q", string(s))
	}
	return v.String()
}

// counters returns the counters of g and the sample counts of its
// histograms. Durations are left out so the report does not depend on timing.
func counters(g prometheus.Gatherer) ([]MetricReport, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}

	var out []MetricReport
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out = append(out, MetricReport{Name: metricName(mf.GetName(), m), Value: m.GetCounter().GetValue()})
			case dto.MetricType_HISTOGRAM:
				out = append(out, MetricReport{
					Name:  metricName(mf.GetName()+"_count", m),
					Value: float64(m.GetHistogram().GetSampleCount()),
				})
			}
		}
	}
	return out, nil
}

func metricName(name string, m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return name
	}
	labels := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return name + "{" + strings.Join(labels, ",") + "}"
}

// OK reports whether every expectation of the scenario was met.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

func (r *Report) String() string {
	var b strings.Builder

	b.WriteString("transactions:\n")
	for _, tx := range r.Transactions {
		fmt.Fprintf(&b, "  %s: %s (attempts %d)", tx.Name, tx.Outcome, tx.Attempts)
		if tx.Error != "" {
			fmt.Fprintf(&b, ": %s", tx.Error)
		}
		b.WriteByte('\n')
	}

	b.WriteString("values:\n")
	for _, v := range r.Values {
		fmt.Fprintf(&b, "  %s = %s\n", v.Name, formatValue(v.Value))
	}

	fmt.Fprintf(&b, "root: %s\n", r.Root)

	b.WriteString("expectations:\n")
	if r.OK() {
		b.WriteString("  ok\n")
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(&b, "  FAIL %s\n", m)
	}

	if len(r.Metrics) > 0 {
		b.WriteString("metrics:\n")
		for _, m := range r.Metrics {
			fmt.Fprintf(&b, "  %s %g\n", m.Name, m.Value)
		}
	}
	return b.String()
}

func (r *Report) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.String())
	return int64(n), err
}
