// Package logging builds the process root logger on uber/zap.
//
// Kernel packages take a plain *zap.Logger and default to a no-op logger, so
// only the process root builds a Logger here and hands out named children:
//
//	logger, err := logging.New(logging.Config{Level: "info"})
//	ep := rpc.NewEntrypoint(cfg, alloc, logger.Kernel("rpc"))
//	logger.Info("component up", zap.String("name", "init"))
package logging
