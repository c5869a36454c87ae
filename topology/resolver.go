// Package topology maps component identifiers to their place in the
// deployment: continent code, ports, queue names and the records that
// describe devices, aggregators and servers.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidID is returned for identifiers that do not match <CC>-<Role><NN>
	ErrInvalidID = errors.New("invalid component identifier")
	// ErrNotFound is returned when a store has no record for an identifier
	ErrNotFound = errors.New("topology record not found")
)

// Role tokens used in identifiers
const (
	RoleAggregator = "Agr"
	RoleWavy       = "Wavy"
	RoleServer     = "S"
)

type continent struct {
	name     string
	basePort int
}

var continents = map[string]continent{
	"EU": {"Europe", 11000},
	"NA": {"North America", 12000},
	"SA": {"South America", 13000},
	"AF": {"Africa", 14000},
	"AS": {"Asia", 15000},
	"OC": {"Oceania", 16000},
	"AQ": {"Antarctica", 17000},
}

// ContinentCodes lists the valid continent codes in a stable order
var ContinentCodes = []string{"EU", "NA", "SA", "AF", "AS", "OC", "AQ"}

// ID is a parsed component identifier
type ID struct {
	Continent string
	Role      string
	// Number is 0 when the identifier carries no numeric suffix (servers only)
	Number int
}

func (id ID) String() string {
	return MakeID(id.Continent, id.Role, id.Number)
}

// IsValidContinentCode reports whether code is one of the seven continent codes
func IsValidContinentCode(code string) bool {
	_, ok := continents[code]
	return ok
}

// ContinentName returns the display name of a continent code, or "Unknown"
func ContinentName(code string) string {
	if c, ok := continents[code]; ok {
		return c.name
	}
	return "Unknown"
}

// ContinentOf returns the prefix of id before the first hyphen or underscore.
// The prefix is not validated.
func ContinentOf(id string) string {
	if i := strings.IndexAny(id, "-_"); i >= 0 {
		return id[:i]
	}
	return id
}

// BasePort returns the base port of a continent
func BasePort(code string) (int, error) {
	c, ok := continents[code]
	if !ok {
		return 0, fmt.Errorf("%w: unknown continent code %q", ErrInvalidID, code)
	}
	return c.basePort, nil
}

// ServerPort returns the legacy TCP port of the continent server
func ServerPort(code string) (int, error) {
	return BasePort(code)
}

// AggregatorPort returns the legacy TCP port of aggregator n of a continent
func AggregatorPort(code string, n int) (int, error) {
	base, err := BasePort(code)
	if err != nil {
		return 0, err
	}
	return base + 100 + n, nil
}

// QueueName returns the RPC queue name of a component kind within a continent,
// e.g. QueueName("EU", "server") == "eu_server_queue"
func QueueName(code, role string) string {
	return strings.ToLower(code) + "_" + role + "_queue"
}

// MakeID builds an identifier. Servers with n <= 0 get no numeric suffix.
func MakeID(code, role string, n int) string {
	if role == RoleServer && n <= 0 {
		return code + "-" + RoleServer
	}
	return fmt.Sprintf("%s-%s%02d", code, role, n)
}

// ServerID returns the identifier of the continent server
func ServerID(code string) string {
	return MakeID(code, RoleServer, 0)
}

// ParseID parses and validates an identifier of the form <CC>-<Role><NN>
func ParseID(id string) (ID, error) {
	code, rest, ok := strings.Cut(id, "-")
	if !ok || rest == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if !IsValidContinentCode(code) {
		return ID{}, fmt.Errorf("%w: unknown continent code in %q", ErrInvalidID, id)
	}

	for _, role := range []string{RoleWavy, RoleAggregator, RoleServer} {
		if !strings.HasPrefix(rest, role) {
			continue
		}
		suffix := rest[len(role):]
		if suffix == "" {
			if role == RoleServer {
				return ID{Continent: code, Role: role}, nil
			}
			return ID{}, fmt.Errorf("%w: missing number in %q", ErrInvalidID, id)
		}
		if strings.Trim(suffix, "0123456789") != "" {
			return ID{}, fmt.Errorf("%w: malformed number in %q", ErrInvalidID, id)
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			return ID{}, fmt.Errorf("%w: malformed number in %q", ErrInvalidID, id)
		}
		return ID{Continent: code, Role: role, Number: n}, nil
	}

	return ID{}, fmt.Errorf("%w: unknown role in %q", ErrInvalidID, id)
}

// ValidateID returns nil when id is well formed
func ValidateID(id string) error {
	_, err := ParseID(id)
	return err
}

// ParseRoleID parses id and checks that it names the given role
func ParseRoleID(id, role string) (ID, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return ID{}, err
	}
	if parsed.Role != role {
		return ID{}, fmt.Errorf("%w: %q is not a %s identifier", ErrInvalidID, id, role)
	}
	return parsed, nil
}
