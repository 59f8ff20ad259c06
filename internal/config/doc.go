// Package config loads the orchestrator settings from the environment.
//
// Every field carries an env tag and a default, so an empty environment
// yields a working single-node setup backed by Redis. The Store, Results and
// Kubernetes groups decide which adapters cmd/labexec wires, and Validate
// rejects combinations that cannot work (a sql store without a DSN, an http
// results backend without a URL).
//
//	cfg, err := config.Load()
//	if err != nil {
//		return err
//	}
//	logger.Info("listening", zap.String("addr", cfg.GetHTTPAddr()))
package config
