// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	collector "github.com/cxlmemsim/cxlmemsim/internal/exporter/prometheus/collector"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

type fakeStatsProvider struct{ stats []monitor.Stat }

func (f fakeStatsProvider) Stats() []monitor.Stat { return f.stats }

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name          string
		opts          []OptionFn
		expectService string
	}{{
		name:          "default options",
		opts:          []OptionFn{},
		expectService: "prometheus",
	}, {
		name: "with custom logger",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
		},
		expectService: "prometheus",
	}, {
		name: "with debug collectors",
		opts: []OptionFn{
			WithDebugCollectors(&[]string{"go", "process"}),
		},
		expectService: "prometheus",
	}, {
		name: "with multiple options",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
			WithDebugCollectors(&[]string{"process"}),
		},
		expectService: "prometheus",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRegistry := new(MockAPIRegistry)

			exporter := NewExporter(mockRegistry, tt.opts...)

			assert.NotNil(t, exporter)
			assert.Equal(t, tt.expectService, exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.NotNil(t, exporter.registry)
			assert.Same(t, mockRegistry, exporter.server)
		})
	}
}

func TestExporter_Name(t *testing.T) {
	mockRegistry := &MockAPIRegistry{}

	exporter := NewExporter(mockRegistry)

	assert.Equal(t, "prometheus", exporter.Name())
}

func TestExporter_Init(t *testing.T) {
	t.Run("registers metrics endpoint", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(mockRegistry)

		err := exporter.Init()

		assert.NoError(t, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(mockRegistry)

		err := exporter.Init()

		assert.Error(t, err)
		assert.Equal(t, expectedErr, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("with invalid collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}

		exporter := NewExporter(
			mockRegistry,
			WithDebugCollectors(&[]string{"unknown_collector"}),
		)

		err := exporter.Init()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})

	t.Run("with multiple valid collectors", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(
			mockRegistry,
			WithDebugCollectors(&[]string{"go", "process"}),
		)

		err := exporter.Init()

		assert.NoError(t, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("with monitor collector wired in", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		provider := fakeStatsProvider{stats: []monitor.Stat{
			{TGID: 1, TID: 2, Status: monitor.On, InjectedDelay: 10 * time.Millisecond},
		}}

		exporter := NewExporter(
			mockRegistry,
			WithCollectors(CreateCollectors(provider)),
		)

		err := exporter.Init()

		assert.NoError(t, err)
		mockRegistry.AssertExpectations(t)
	})
}

func TestCollectorForName(t *testing.T) {
	tests := []struct {
		name          string
		collectorName string
		expectError   bool
	}{{
		name:          "go collector",
		collectorName: "go",
		expectError:   false,
	}, {
		name:          "process collector",
		collectorName: "process",
		expectError:   false,
	}, {
		name:          "unknown collector",
		collectorName: "unknown",
		expectError:   true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := collectorForName(tt.collectorName)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, c)
				assert.Contains(t, err.Error(), "unknown collector: "+tt.collectorName)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, c)

				registry := prom.NewRegistry()
				err := registry.Register(c)
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateCollectors(t *testing.T) {
	provider := fakeStatsProvider{}
	cols := CreateCollectors(provider)

	assert.Contains(t, cols, "build_info")
	assert.Contains(t, cols, "monitor")
	assert.IsType(t, &collector.BuildInfoCollector{}, cols["build_info"])
	assert.IsType(t, &collector.MonitorCollector{}, cols["monitor"])
}

func TestWithOptions(t *testing.T) {
	t.Run("WithLogger", func(t *testing.T) {
		customLogger := slog.Default().With("custom", "logger")
		opts := DefaultOpts()

		WithLogger(customLogger)(&opts)

		assert.Equal(t, customLogger, opts.logger)
	})

	t.Run("WithDebugCollectors", func(t *testing.T) {
		collectors := []string{"process", "custom"}
		opts := DefaultOpts()

		WithDebugCollectors(&collectors)(&opts)

		assert.True(t, opts.debugCollectors["go"])      // From default
		assert.True(t, opts.debugCollectors["process"]) // Added
		assert.True(t, opts.debugCollectors["custom"])  // Added
	})
}

func TestDefaultOpts(t *testing.T) {
	opts := DefaultOpts()

	assert.NotNil(t, opts.logger)
	assert.NotNil(t, opts.debugCollectors)
	assert.True(t, opts.debugCollectors["go"])
}
