package bufmgr

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils/rangealloc"
	"sigs.k8s.io/yaml"
)

const (
	// defaultValidateListTarget is the number of entries a validate list keeps ready when
	// none is configured
	defaultValidateListTarget = 64
)

// MemoryTypeOptions describes one memory region a Manager initializes
type MemoryTypeOptions struct {
	Type  MemType `json:"type"`
	Start uint64  `json:"start"`
	Size  uint64  `json:"size"`
}

// Options configures a Manager and the backend underneath it. It can be read from YAML or
// JSON with ParseOptions.
type Options struct {
	// MemoryTypes lists the memory regions to initialize, each type at most once
	MemoryTypes []MemoryTypeOptions `json:"memoryTypes"`
	// FenceClasses describes the sequence counters of each fence class. Empty selects one
	// class with a full 32-bit counter.
	FenceClasses []fence.ClassOptions `json:"fenceClasses,omitempty"`
	// Strategy names the range allocator search strategy: first-fit, best-fit or
	// legacy-best-fit. Empty selects first-fit.
	Strategy string `json:"strategy,omitempty"`
	// NodeLimit caps the number of range nodes in each memory type. Zero means no limit.
	NodeLimit int `json:"nodeLimit,omitempty"`
	// ValidateListTarget is the number of entries a validate list keeps ready
	ValidateListTarget int `json:"validateListTarget,omitempty"`
	// LazyWaitInterval is how long lazy fence waits sleep between polls, in nanoseconds when
	// read from a document
	LazyWaitInterval time.Duration `json:"lazyWaitInterval,omitempty"`
	// ExternallySynchronized disables the backend's memory type locks. The caller must then
	// serialize all access itself.
	ExternallySynchronized bool `json:"externallySynchronized,omitempty"`
}

// ParseOptions reads Options from a YAML or JSON document and checks them
func ParseOptions(data []byte) (Options, error) {
	var options Options
	if err := yaml.UnmarshalStrict(data, &options); err != nil {
		return Options{}, errors.Wrap(err, "parsing buffer manager options")
	}

	if err := options.Validate(); err != nil {
		return Options{}, err
	}

	return options, nil
}

// Validate checks that the options are consistent
func (o Options) Validate() error {
	var seen Flags
	for _, memType := range o.MemoryTypes {
		if memType.Type >= MaxMemTypes {
			return errors.Newf("memory type %d is out of range", memType.Type)
		}
		if seen&memType.Type.Flag() != 0 {
			return errors.Newf("memory type %s is configured more than once", memType.Type)
		}
		if memType.Size == 0 {
			return errors.Newf("memory type %s has no size", memType.Type)
		}
		seen |= memType.Type.Flag()
	}

	if _, err := o.AllocationStrategy(); err != nil {
		return err
	}
	if o.NodeLimit < 0 {
		return errors.Newf("invalid node limit %d", o.NodeLimit)
	}
	if o.ValidateListTarget < 0 {
		return errors.Newf("invalid validate list target %d", o.ValidateListTarget)
	}

	return nil
}

// AllocationStrategy returns the range allocator strategy named by Strategy
func (o Options) AllocationStrategy() (rangealloc.Strategy, error) {
	strategy, ok := rangealloc.ParseStrategy(o.Strategy)
	if !ok {
		return 0, errors.Newf("unknown allocation strategy %q", o.Strategy)
	}
	return strategy, nil
}

// TrackerOptions returns the fence tracker settings described by the options
func (o Options) TrackerOptions() fence.TrackerOptions {
	classes := o.FenceClasses
	if len(classes) == 0 {
		classes = []fence.ClassOptions{{}}
	}

	return fence.TrackerOptions{
		Classes:          classes,
		LazyWaitInterval: o.LazyWaitInterval,
	}
}

func (o Options) validateListTarget() int {
	if o.ValidateListTarget == 0 {
		return defaultValidateListTarget
	}
	return o.ValidateListTarget
}
