package main

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/config"
)

func TestNewApp_PlannerUsesConfiguredAnyOfCap(t *testing.T) {
	// GIVEN: MAX_ANY_OF raised to 30
	// WHEN: Wiring the app over each store driver
	// THEN: The store and the planner built over it both report 30

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tests := []struct {
		name     string
		emulator bool
		cfg      func(*config.Config)
	}{
		{"memory", false, func(c *config.Config) { c.StoreDriver = config.DriverMemory }},
		{"sqlite", false, func(c *config.Config) {
			c.StoreDriver = config.DriverSQLite
			c.SQLitePath = ":memory:"
		}},
		{"firestore", true, func(c *config.Config) {
			c.StoreDriver = config.DriverFirestore
			c.FirestoreProject = "ledger-app-test"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.emulator && os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
				t.Skip("FIRESTORE_EMULATOR_HOST not set")
			}
			cfg := config.Default()
			cfg.MaxAnyOf = 30
			tt.cfg(&cfg)

			a, err := newApp(context.Background(), cfg, logger)
			require.NoError(t, err)
			defer a.Close()

			assert.Equal(t, 30, a.engine.Reader().Planner.Capabilities.MaxAnyOf)
		})
	}
}
