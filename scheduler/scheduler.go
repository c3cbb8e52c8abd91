// Package scheduler builds per-file execution schedules from a service
// catalog and a submission's category selection.
package scheduler

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/c360studio/triage/datastore"
)

// StageBucket holds the services scheduled for one pipeline stage. Buckets
// are emitted for every configured stage, empty or not, in pipeline order.
type StageBucket struct {
	Stage    string
	Services []*datastore.ServiceDefinition
}

// Scheduler resolves category selections against a service catalog into
// ordered stage buckets.
type Scheduler struct {
	stages         []string
	systemCategory string
	logger         *slog.Logger
}

// New creates a Scheduler for the given stage order. Services in the system
// category are always scheduled regardless of selection.
func New(stages []string, systemCategory string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		stages:         stages,
		systemCategory: systemCategory,
		logger:         logger,
	}
}

// CategoryMap builds the category name to member service names mapping from
// a service catalog.
func CategoryMap(services map[string]*datastore.ServiceDefinition) map[string][]string {
	categories := make(map[string][]string)
	for name, def := range services {
		categories[def.Category] = append(categories[def.Category], name)
	}
	for _, members := range categories {
		sort.Strings(members)
	}
	return categories
}

// ExpandCategories resolves a mixed list of category and service names into
// service names. Category names expand to their members, recursively when a
// member is itself a category. Each name is visited at most once, so cyclic
// category definitions terminate. Order of first appearance is preserved.
func ExpandCategories(selected []string, categories map[string][]string) []string {
	seen := make(map[string]bool, len(selected))
	var services []string

	work := make([]string, len(selected))
	copy(work, selected)

	for len(work) > 0 {
		name := work[0]
		work = work[1:]

		if seen[name] {
			continue
		}
		seen[name] = true

		if members, ok := categories[name]; ok {
			work = append(work, members...)
			continue
		}
		services = append(services, name)
	}
	return services
}

// BuildSchedule computes the stage buckets for one file. Selection semantics:
// an empty selected list means every category; services in the system
// category are always included and cannot be excluded; unknown or disabled
// service names are skipped. Within a bucket, a service runs only when its
// accepts pattern full-matches the file type and its rejects pattern does
// not.
func (s *Scheduler) BuildSchedule(services map[string]*datastore.ServiceDefinition, fileType string, selected, excluded []string) []StageBucket {
	categories := CategoryMap(services)

	if len(selected) == 0 {
		for category := range categories {
			selected = append(selected, category)
		}
	}

	included := make(map[string]bool)
	for _, name := range ExpandCategories(selected, categories) {
		included[name] = true
	}
	for _, name := range ExpandCategories(excluded, categories) {
		delete(included, name)
	}

	// System services run no matter what the submission selected.
	for name, def := range services {
		if def.Category == s.systemCategory {
			included[name] = true
		}
	}

	buckets := make([]StageBucket, len(s.stages))
	stageIndex := make(map[string]int, len(s.stages))
	for i, stage := range s.stages {
		buckets[i] = StageBucket{Stage: stage}
		stageIndex[stage] = i
	}

	names := make([]string, 0, len(included))
	for name := range included {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def, ok := services[name]
		if !ok {
			s.logger.Warn("selection names unknown service, skipping", "service", name)
			continue
		}
		if !def.IsEnabled() {
			s.logger.Debug("service disabled, skipping", "service", name)
			continue
		}
		idx, ok := stageIndex[def.Stage]
		if !ok {
			s.logger.Warn("service stage not in pipeline, skipping",
				"service", name, "stage", def.Stage)
			continue
		}
		if !s.accepts(def, fileType) {
			continue
		}
		buckets[idx].Services = append(buckets[idx].Services, def)
	}
	return buckets
}

// accepts applies the service's accepts/rejects patterns to a file type.
// Patterns are anchored: they must match the whole type string. An empty
// accepts pattern matches nothing.
func (s *Scheduler) accepts(def *datastore.ServiceDefinition, fileType string) bool {
	if def.Accepts == "" {
		return false
	}
	ok, err := fullMatch(def.Accepts, fileType)
	if err != nil {
		s.logger.Warn("invalid accepts pattern, skipping service",
			"service", def.Name, "pattern", def.Accepts, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if def.Rejects != "" {
		rejected, err := fullMatch(def.Rejects, fileType)
		if err != nil {
			s.logger.Warn("invalid rejects pattern, ignoring",
				"service", def.Name, "pattern", def.Rejects, "error", err)
			return true
		}
		if rejected {
			return false
		}
	}
	return true
}

func fullMatch(pattern, value string) (bool, error) {
	re, err := regexp.Compile(fmt.Sprintf("^(?:%s)$", pattern))
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}
