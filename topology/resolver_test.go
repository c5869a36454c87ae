package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContinentOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"EU-Agr01", "EU"},
		{"NA-Wavy07", "NA"},
		{"AQ_Server", "AQ"},
		{"EU-S", "EU"},
		{"nohyphen", "nohyphen"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContinentOf(tt.id), tt.id)
	}
}

func TestMakeIDRoundTrip(t *testing.T) {
	for _, cc := range ContinentCodes {
		for _, role := range []string{RoleAggregator, RoleWavy} {
			for _, n := range []int{1, 9, 10, 99} {
				id := MakeID(cc, role, n)
				assert.Equal(t, cc, ContinentOf(id))

				parsed, err := ParseID(id)
				require.NoError(t, err, id)
				assert.Equal(t, ID{Continent: cc, Role: role, Number: n}, parsed)
				assert.Equal(t, id, parsed.String())
			}
		}
		assert.Equal(t, cc+"-S", ServerID(cc))
		assert.NoError(t, ValidateID(ServerID(cc)))
	}
}

func TestParseIDRejects(t *testing.T) {
	for _, id := range []string{
		"",
		"EU",
		"EU-",
		"XX-Agr01",
		"EU-Agr",
		"EU-Wavy",
		"EU-Agr0x",
		"EU-Boat01",
		"eu-Agr01",
	} {
		_, err := ParseID(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestParseRoleID(t *testing.T) {
	_, err := ParseRoleID("EU-Wavy01", RoleWavy)
	assert.NoError(t, err)

	_, err = ParseRoleID("EU-Agr01", RoleWavy)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestPorts(t *testing.T) {
	port, err := ServerPort("EU")
	require.NoError(t, err)
	assert.Equal(t, 11000, port)

	port, err = AggregatorPort("NA", 1)
	require.NoError(t, err)
	assert.Equal(t, 12101, port)

	port, err = AggregatorPort("AQ", 3)
	require.NoError(t, err)
	assert.Equal(t, 17103, port)

	_, err = BasePort("ZZ")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestQueueAndNames(t *testing.T) {
	assert.Equal(t, "eu_server_queue", QueueName("EU", "server"))
	assert.Equal(t, "na_aggregator_queue", QueueName("NA", "aggregator"))
	assert.Equal(t, "Oceania", ContinentName("OC"))
	assert.Equal(t, "Unknown", ContinentName("ZZ"))
	assert.True(t, IsValidContinentCode("AS"))
	assert.False(t, IsValidContinentCode("as"))
}

func TestAggregatorRecordDerived(t *testing.T) {
	rec := AggregatorRecord{AggregatorID: "SA-Agr02"}
	assert.Equal(t, "SA", rec.DerivedContinentCode())
	assert.Equal(t, "SA-Agr02_queue", rec.DerivedQueueName())
	assert.Equal(t, "SA-S", rec.DerivedServerID())

	rec.QueueName = "custom"
	assert.Equal(t, "custom", rec.DerivedQueueName())
}

func TestServerRecordDerived(t *testing.T) {
	rec := ServerRecord{ServerID: "EU-S"}
	assert.Equal(t, "EU", rec.DerivedContinentCode())
	assert.Equal(t, "eu_server_queue", rec.DerivedQueueName())
}
