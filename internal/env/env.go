package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/detserve/internal/envvar"
)

// Environment is the deployment environment the process runs in.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// FromEnv reads the environment from DETSERVE_ENV. Unknown or empty values
// default to production, the mode the hosting platform runs containers in.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.DetserveEnv))
}

// Parse converts s to an Environment.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "local":
		return Development
	case "test":
		return Test
	default:
		return Production
	}
}

// IsDevelopment reports whether e is Development.
func (e Environment) IsDevelopment() bool {
	return e == Development
}

func (e Environment) String() string {
	return string(e)
}
