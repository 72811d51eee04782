package tracing

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"

	"github.com/skalibog/macross/pkg/logger"
)

// Config настройки jaeger агента
type Config struct {
	Enabled     bool
	ServiceName string
	Host        string
	Port        int
}

// InitTracer регистрирует глобальный трейсер. При выключенной трассировке остается noop.
func InitTracer(conf Config) (func(), error) {
	if !conf.Enabled {
		return func() {}, nil
	}

	name := conf.ServiceName
	if name == "" {
		name = "macross"
	}

	cfg := &jCfg.Configuration{
		ServiceName: name,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	tracer, closer, err := cfg.NewTracer(jCfg.Metrics(metrics.NullFactory))
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации jaeger: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return func() {
		if err := closer.Close(); err != nil {
			logger.Error("Ошибка закрытия трейсера", zap.Error(err))
		}
	}, nil
}

// StartSpan открывает дочерний спан от глобального трейсера
func StartSpan(ctx context.Context, name string, tags map[string]interface{}) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, name)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	return span, ctx
}

// Fail помечает спан ошибкой
func Fail(span opentracing.Span, err error) {
	if err == nil {
		return
	}
	span.SetTag("error", true)
	span.LogKV("event", "error", "message", err.Error())
}
