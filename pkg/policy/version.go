package policy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// EngineVersion is the running policy engine's semantic version, checked
// against each document's min_engine_version on Load.
const EngineVersion = "1.4.0"

func checkEngineVersion(minVersion string) error {
	if minVersion == "" {
		return nil
	}
	required, err := semver.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("invalid min_engine_version %q: %w", minVersion, err)
	}
	running, err := semver.NewVersion(EngineVersion)
	if err != nil {
		return fmt.Errorf("invalid running engine version %q: %w", EngineVersion, err)
	}
	if running.LessThan(required) {
		return fmt.Errorf("policy document requires engine >= %s, running %s", required, running)
	}
	return nil
}
