package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialectSubjects(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		pattern string
		want    []string
	}{
		{"nats literal", NATSDialect, "server.data.eu", []string{"ex.server.data.eu"}},
		{"nats single", NATSDialect, "ocean.data.*.*", []string{"ex.ocean.data.*.*"}},
		{"nats trailing multi", NATSDialect, "ocean.data.#", []string{"ex.ocean.data", "ex.ocean.data.>"}},
		{"nats middle multi", NATSDialect, "ocean.#.coastal", []string{"ex", "ex.>"}},
		{"nats only multi", NATSDialect, "#", []string{"ex", "ex.>"}},
		{"mqtt literal", MQTTDialect, "server.data.eu", []string{"ex/server/data/eu"}},
		{"mqtt single", MQTTDialect, "ocean.data.*.*", []string{"ex/ocean/data/+/+"}},
		{"mqtt trailing multi", MQTTDialect, "ocean.data.#", []string{"ex/ocean/data/#"}},
		{"mqtt middle multi", MQTTDialect, "*.#.eu", []string{"ex/#"}},
		{"empty pattern", NATSDialect, "", []string{"ex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.Subjects("ex", tt.pattern))
		})
	}
}

func TestDialectKeyRoundTrip(t *testing.T) {
	for _, d := range []Dialect{NATSDialect, MQTTDialect, AMQPDialect} {
		subject := d.Subject(OceanDataExchange, "ocean.data.atlantic.coastal")
		assert.Equal(t, "ocean.data.atlantic.coastal", d.Key(OceanDataExchange, subject))
		assert.Equal(t, "", d.Key(ShutdownExchange, d.Subject(ShutdownExchange, "")))
	}
	assert.Equal(t, "queue/eu_server_queue", MQTTDialect.QueueSubject("eu_server_queue"))
}

func TestDeclarationsIdempotent(t *testing.T) {
	d := NewDeclarations()

	created, err := d.Exchange("ex", Topic)
	assert.NoError(t, err)
	assert.True(t, created)

	created, err = d.Exchange("ex", Topic)
	assert.NoError(t, err)
	assert.False(t, created)

	_, err = d.Exchange("ex", Fanout)
	assert.ErrorIs(t, err, ErrExchangeKindMismatch)

	assert.True(t, d.Queue("q"))
	assert.False(t, d.Queue("q"))

	created, err = d.Bind("q", "ex", "a.*")
	assert.NoError(t, err)
	assert.True(t, created)
	created, err = d.Bind("q", "ex", "a.*")
	assert.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, map[string][]string{"ex": {"a.*"}}, d.Bindings("q"))

	_, err = d.Bind("missing", "ex", "a")
	assert.ErrorIs(t, err, ErrUnknownQueue)

	assert.Equal(t, Topic, d.Kind("auto"))
}
