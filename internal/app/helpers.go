package app

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/config"
	"github.com/toolgate/core/internal/pkg/cluster"
	jwtpkg "github.com/toolgate/core/internal/pkg/jwt"
)

// applyRuntimeSettings pushes config into process-wide singletons that cannot
// take constructor injection.
func applyRuntimeSettings(cfg *config.AppConfig, logger *zap.Logger) {
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		jwtpkg.SetSecret(secret)
	} else if cluster.ShouldLogBootstrap() {
		logger.Warn("jwt_secret is empty, OAuth state tokens use the built-in default secret")
	}

	if strings.TrimSpace(cfg.AdminKey) == "" && cluster.ShouldLogBootstrap() {
		logger.Warn("admin_key is empty, catalog writes and scheduler introspection are disabled")
	}
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Truncate(time.Second).String()
	}
	if d < time.Hour {
		return d.Truncate(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Truncate(time.Hour).String()
	}
	return d.Truncate(24 * time.Hour).String()
}
