// Package config holds the environment and startup helpers shared by the
// project-management service entry points. Settings are read from PMAPP_
// prefixed variables into env-tagged structs, with flags layered on top by
// each service's ParseConfig.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target, a pointer to an env-tagged struct, from the
// process environment. Fields keep their envDefault value when the
// variable is unset.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
