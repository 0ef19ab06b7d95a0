package safemode

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

// Diagnosis is a best-effort snapshot of the host taken on activation.
// Sections that could not be gathered are listed in Errors.
type Diagnosis struct {
	Timestamp     time.Time           `json:"timestamp"`
	System        *domain.HostInfo    `json:"system_info,omitempty"`
	Memory        *domain.MemoryInfo  `json:"memory_usage,omitempty"`
	Disk          *domain.DiskInfo    `json:"disk_usage,omitempty"`
	Process       *domain.ProcessInfo `json:"process_info,omitempty"`
	ErrorAnalysis ErrorAnalysis       `json:"error_analysis"`
	Errors        map[string]string   `json:"errors,omitempty"`
}

// ErrorAnalysis summarizes recently processed events.
type ErrorAnalysis struct {
	RecentEvents     int            `json:"recent_events"`
	ComponentErrors  map[string]int `json:"component_errors"`
	ResourceWarnings map[string]int `json:"resource_warnings"`
	LastError        string         `json:"last_error,omitempty"`
	Recommendation   string         `json:"recommendation"`
}

// Diagnose gathers system information. It is also available to operators
// outside of safe mode.
func (s *SafeMode) Diagnose(ctx context.Context) (diag Diagnosis) {
	diag = Diagnosis{Timestamp: s.opts.Now(), Errors: map[string]string{}}
	s.logger.Info("performing system diagnosis")

	section := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				diag.Errors[name] = fmt.Sprintf("panic: %v", r)
			}
		}()
		if err := fn(); err != nil {
			diag.Errors[name] = err.Error()
		}
	}

	if s.inspector == nil {
		diag.Errors["system"] = "no system inspector"
	} else {
		section("system_info", func() error {
			h, err := s.inspector.Host(ctx)
			diag.System = &h
			return err
		})
		section("memory_usage", func() error {
			m, err := s.inspector.Memory(ctx)
			if err == nil {
				diag.Memory = &m
			}
			return err
		})
		section("disk_usage", func() error {
			d, err := s.inspector.Disk(ctx, s.opts.DiskPath)
			if err == nil {
				diag.Disk = &d
			}
			return err
		})
		section("process_info", func() error {
			p, err := s.inspector.Process(ctx)
			if err == nil {
				diag.Process = &p
			}
			return err
		})
	}
	section("error_analysis", func() error {
		diag.ErrorAnalysis = s.analyzeRecentErrors()
		return nil
	})
	if len(diag.Errors) == 0 {
		diag.Errors = nil
	}

	s.mu.Lock()
	s.lastDiagnosis = &diag
	s.mu.Unlock()
	s.logger.Info("system diagnosis completed", zap.Int("unavailable_sections", len(diag.Errors)))
	return diag
}

func (s *SafeMode) analyzeRecentErrors() ErrorAnalysis {
	a := ErrorAnalysis{
		ComponentErrors:  map[string]int{},
		ResourceWarnings: map[string]int{},
	}
	if s.history == nil {
		a.Recommendation = "manual investigation required"
		return a
	}

	events := s.history.Recent()
	a.RecentEvents = len(events)
	for _, ev := range events {
		switch ev.Kind {
		case domain.EventComponentError:
			a.ComponentErrors[ev.PayloadString("component")]++
			if msg := ev.PayloadString("error"); msg != "" {
				a.LastError = msg
			}
		case domain.EventResourceWarning:
			a.ResourceWarnings[ev.PayloadString("resource")]++
		}
	}

	switch {
	case len(a.ComponentErrors) > 0:
		names := make([]string, 0, len(a.ComponentErrors))
		for name := range a.ComponentErrors {
			names = append(names, name)
		}
		sort.Strings(names)
		a.Recommendation = "inspect failing components: " + strings.Join(names, ", ")
	case len(a.ResourceWarnings) > 0:
		a.Recommendation = "resource limits exceeded, reduce load or raise limits"
	default:
		a.Recommendation = "manual investigation required"
	}
	return a
}
