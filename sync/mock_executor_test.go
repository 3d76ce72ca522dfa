package sync

import (
	"context"
	"strings"

	"github.com/stretchr/testify/mock"
)

// mockExecutor is a testify mock for command.Executor.
type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Run(ctx context.Context, name string, args ...string) error {
	called := m.Called(ctx, name, args)
	return called.Error(0)
}

func (m *mockExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	called := m.Called(ctx, name, args)
	out, _ := called.Get(0).([]byte)
	return out, called.Error(1)
}

// commandLines returns every Run call as "name arg arg...", in call order.
func (m *mockExecutor) commandLines() []string {
	var lines []string
	for _, c := range m.Calls {
		if c.Method != "Run" {
			continue
		}
		parts := []string{c.Arguments.String(1)}
		if args, ok := c.Arguments.Get(2).([]string); ok {
			parts = append(parts, args...)
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	return lines
}

// commandNames returns the program name of every Run call, in call order.
func (m *mockExecutor) commandNames() []string {
	var names []string
	for _, line := range m.commandLines() {
		names = append(names, strings.Fields(line)[0])
	}
	return names
}

type fakeMountTable struct {
	mounted map[string]bool
	err     error
}

func (f *fakeMountTable) IsMounted(_ context.Context, mountPoint string) (bool, error) {
	return f.mounted[mountPoint], f.err
}
