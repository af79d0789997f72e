package config

import (
	"io"

	opentracing "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// ConfigureTracing installs a jaeger tracer configured from the JAEGER_*
// environment variables as the global tracer. The round trippers of the
// shape client report their spans to it. The returned closer flushes
// pending spans and is nil if tracing is not configured.
func ConfigureTracing(serviceName string) io.Closer {
	traceCfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.WithError(err).Info("Skipping jaeger configuration step")
		return nil
	}

	if traceCfg.ServiceName == "" {
		traceCfg.ServiceName = serviceName
	}

	if traceCfg.Disabled {
		return nil
	}

	tracer, closer, err := traceCfg.NewTracer()
	if err != nil {
		log.WithError(err).Warn("Could not initialize jaeger tracer")
		return nil
	}

	opentracing.SetGlobalTracer(tracer)
	return closer
}
