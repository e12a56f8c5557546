// Package providerstest checks that commands build complete fx graphs
// from the shared providers.
package providerstest

import (
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"go.od2.network/orgqueue/cmd/providers"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

// Validate checks the graph of the shared providers plus opts without
// running any constructor. Values injected by the root command are supplied.
func Validate(t *testing.T, opts ...fx.Option) {
	t.Helper()
	base := []fx.Option{
		fx.Supply(zaptest.NewLogger(t), metric.Meter{}, new(cobra.Command)),
		fx.Provide(providers.Providers...),
		fx.Logger(fxLogger{t}),
	}
	assert.NoError(t, fx.ValidateApp(append(base, opts...)...))
}

// ValidateCommands validates one graph per command invoke function,
// each with CLI args supplied.
func ValidateCommands(t *testing.T, invokes ...interface{}) {
	for i, invoke := range invokes {
		t.Run(fmt.Sprintf("command-%d", i), func(t *testing.T) {
			Validate(t, fx.Supply([]string{}), fx.Invoke(invoke))
		})
	}
}

type fxLogger struct {
	*testing.T
}

func (l fxLogger) Printf(format string, args ...interface{}) {
	l.Logf(format, args...)
}
