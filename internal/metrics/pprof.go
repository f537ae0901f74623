package metrics

import (
	"referralfees/internal/config"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"
)

// InitPProf continuous profiling; returns nil profiler when disabled
func InitPProf(log *zap.SugaredLogger, cfg *config.PyroscopeConfig, instanceID string) (*pyroscope.Profiler, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	pTags := map[string]string{
		"instance": instanceID,
	}
	for k, v := range cfg.Tags {
		pTags[k] = v
	}

	appName := cfg.AppName
	if appName == "" {
		appName = "referralfees"
	}

	return pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   cfg.ServerAddr,
		AuthToken:       cfg.AuthToken,
		Logger:          log,
		Tags:            pTags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,

			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,

			pyroscope.ProfileGoroutines,
		},
	})
}
