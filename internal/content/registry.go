package content

import "github.com/jobagent/leadpipe/internal/pipeline"

// Registry resolves the extraction adapter for each source type. A nil
// return means the type has no extraction strategy and the snapshot is
// skipped, not failed.
type Registry struct {
	careers *CareersAdapter
}

// NewRegistry builds the registry with every adapter the pipeline knows.
func NewRegistry() *Registry {
	return &Registry{careers: NewCareersAdapter()}
}

// AdapterFor returns the adapter for sourceType, or nil when none exists.
func (r *Registry) AdapterFor(sourceType pipeline.SourceType) pipeline.Adapter {
	switch sourceType {
	case pipeline.SourceTypeCareersPage:
		return r.careers
	case pipeline.SourceTypeATSBoard, pipeline.SourceTypeRSS:
		return nil
	default:
		return nil
	}
}
