package model

import (
	"atelier/internal/config"
	"atelier/internal/entity"
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
)

// SeedDemoServer registers a provider server from configuration so a fresh
// deployment can generate images without any manual setup. It is a no-op
// when the demo server URL is unset or a server is already registered.
func SeedDemoServer(ctx context.Context, repo Repository, cfg config.Config) error {
	if repo == nil {
		return nil
	}

	serverURL := strings.TrimSpace(cfg.DemoServerURL)
	if serverURL == "" {
		return nil
	}

	existing, err := repo.ListServers(ctx, true)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	methods := entity.MethodMap{
		"generate": {Credits: entity.MethodCredits(entity.DefaultMethodCredits), DisplayName: "Generate"},
	}
	if raw := strings.TrimSpace(cfg.DemoServerMethods); raw != "" {
		parsed := entity.MethodMap{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			logrus.WithError(err).Warn("invalid DEMO_SERVER_METHODS, using defaults")
		} else if len(parsed) > 0 {
			methods = parsed
		}
	}

	server := &entity.DbServer{
		Name:      "demo",
		ServerURL: serverURL,
		AuthToken: strings.TrimSpace(cfg.DemoServerToken),
		Status:    entity.ServerStatusActive,
		Methods:   methods,
	}
	if err := repo.CreateServer(ctx, server); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"server_id":  server.ID,
		"server_url": serverURL,
	}).Info("seeded demo provider server")
	return nil
}
