package prometheus

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	auth "github.com/KingInYellow18/medianest/auth"
	"github.com/KingInYellow18/medianest/auth/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Source is what the exporter reads on every scrape. *auth.Coordinator
// implements it.
type Source interface {
	MetricsSnapshot() auth.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders a Source as Prometheus text. Every scrape reads a
// fresh snapshot; nothing is cached between scrapes.
type Exporter struct {
	source Source
}

func New(c *auth.Coordinator) *Exporter {
	return &Exporter{source: c}
}

func NewFromSource(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler answers scrapes. With metrics disabled the body is empty.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = e.WriteTo(w)
	})
}

// Render returns the exposition text, or "" when metrics are disabled.
func (e *Exporter) Render() string {
	var buf bytes.Buffer
	_, _ = e.WriteTo(&buf)
	return buf.String()
}

// WriteTo writes every counter, the latency histogram and the audit drop
// count in a fixed order.
func (e *Exporter) WriteTo(w io.Writer) (int64, error) {
	if e == nil || e.source == nil {
		return 0, nil
	}
	snap := e.source.MetricsSnapshot()
	dropped := e.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return 0, nil
	}

	ew := &expositionWriter{w: w}
	for _, def := range internaldefs.CounterDefs {
		ew.counter(def.Name, def.Help, snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID]))
		ew.histogram(def.Name, def.Help, buckets)
	}
	ew.counter(internaldefs.AuditDroppedName, "Audit events that never reached the sink.", dropped)
	return ew.n, ew.err
}

// expositionWriter keeps the first write error and stops writing after it.
type expositionWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (ew *expositionWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	n, err := fmt.Fprintf(ew.w, format, args...)
	ew.n += int64(n)
	ew.err = err
}

func (ew *expositionWriter) header(name, help, kind string) {
	ew.printf("# HELP %s %s\n# TYPE %s %s\n", name, escapeHelp(help), name, kind)
}

func (ew *expositionWriter) counter(name, help string, v uint64) {
	ew.header(name, help, "counter")
	ew.printf("%s %d\n", name, v)
}

// histogram has no _sum sample value to offer; snapshots keep bucket
// counts only, so it is reported as 0.
func (ew *expositionWriter) histogram(name, help string, cumulative [8]uint64) {
	ew.header(name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		ew.printf("%s_bucket{le=%q} %d\n", name, le, cumulative[i])
	}
	ew.printf("%s_sum 0\n%s_count %d\n", name, name, cumulative[len(cumulative)-1])
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
