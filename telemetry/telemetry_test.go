package telemetry

import (
	"bytes"
	"testing"

	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrNop(t *testing.T) {
	assert.NotPanics(t, func() {
		OrNop(nil).Record("anything", nil)
	})

	var got string
	s := SinkFunc(func(event string, _ map[string]any) { got = event })
	OrNop(s).Record("x", nil)
	assert.Equal(t, "x", got)
}

func TestMulti(t *testing.T) {
	var a, b []string
	m := Multi{
		SinkFunc(func(e string, _ map[string]any) { a = append(a, e) }),
		nil,
		SinkFunc(func(e string, _ map[string]any) { b = append(b, e) }),
	}

	m.Record("one", nil)
	m.Record("two", nil)

	assert.Equal(t, []string{"one", "two"}, a)
	assert.Equal(t, []string{"one", "two"}, b)
}

func TestLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewZerologLogger(zerolog.New(&buf), "test", zerolog.DebugLevel)

	NewLoggerSink(l).Record(EventSocketCreated, map[string]any{"key": "wss://a"})

	out := buf.String()
	assert.Contains(t, out, EventSocketCreated)
	assert.Contains(t, out, `"key":"wss://a"`)
	assert.Contains(t, out, `"source":"telemetry"`)
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg, "deltaconn")
	require.NoError(t, err)

	s.Record(EventSocketCreated, nil)
	s.Record(EventGetSocketReference, map[string]any{"references": 3, "delayDeleteDelta": int64(500)})
	s.Record(EventGetSocketReference, map[string]any{"references": 2})

	assert.Equal(t, float64(1), testutil.ToFloat64(s.events.WithLabelValues(EventSocketCreated)))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.events.WithLabelValues(EventGetSocketReference)))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.references))
	assert.Equal(t, 1, testutil.CollectAndCount(s.reuseDelay))

	t.Run("second sink shares the registered collectors", func(t *testing.T) {
		other, err := NewPrometheusSink(reg, "deltaconn")
		require.NoError(t, err)

		other.Record(EventSocketCreated, nil)
		assert.Equal(t, float64(2), testutil.ToFloat64(s.events.WithLabelValues(EventSocketCreated)))
	})

	t.Run("conflicting collector fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltaconn",
			Name:      "events_total",
			Help:      "Something else.",
		}))

		_, err := NewPrometheusSink(reg, "deltaconn")
		assert.Error(t, err)
	})
}
