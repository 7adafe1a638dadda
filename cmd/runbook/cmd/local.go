package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/service"
	"github.com/stage0-ops/runbook-api/pkg/types"
)

// Shared flags for the local (non-HTTP) commands.
var (
	localUser   string
	localClaims []string
	localEnv    []string
)

// buildService loads config and constructs the engine for local commands.
func buildService() (*service.Service, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	svc, err := service.New(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("building service: %w", err)
	}

	return svc, nil
}

// localIdentity builds an identity from --user and repeated --claim flags.
// Claim values are comma-split, matching the runbook claim grammar.
func localIdentity() types.Identity {
	identity := types.Identity{
		UserID: localUser,
		Claims: make(map[string]types.ClaimValue, len(localClaims)),
	}

	for _, claim := range localClaims {
		name, value, found := strings.Cut(claim, "=")
		if !found || name == "" {
			continue
		}

		var values types.ClaimValue
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}

		identity.Claims[name] = values
	}

	return identity
}

// localBreadcrumb builds provenance for a CLI-originated run.
func localBreadcrumb() types.Breadcrumb {
	return types.Breadcrumb{
		AtTime:        time.Now().UTC(),
		FromIP:        "127.0.0.1",
		CorrelationID: uuid.New().String(),
	}
}

// parseEnvFlags turns repeated --env NAME=value flags into a map.
func parseEnvFlags() (map[string]string, error) {
	env := make(map[string]string, len(localEnv))

	for _, pair := range localEnv {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid --env value %q, expected NAME=value", pair)
		}

		env[name] = value
	}

	return env, nil
}

// printJSON writes a result to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
